// Package metrics holds the Prometheus collectors of the lock manager, the
// ledger and the services built on them. Collectors are package level and
// registered explicitly with RegisterCoreMetrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LockAcquireCounter counts acquisition attempts by result: acquired,
	// contended or error.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_lock_acquire_total",
		Help: "Account lock acquisition attempts by result",
	}, []string{"result"})
	// LockStaleRecoveredCounter counts acquisitions that replaced an expired lock.
	LockStaleRecoveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_lock_stale_recovered_total",
		Help: "Expired account locks taken over by a new holder",
	})
	// LockReleaseCounter counts release calls by result: released,
	// not_owner or error.
	LockReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_lock_release_total",
		Help: "Account lock release calls by result",
	}, []string{"result"})
	// LockHoldSeconds observes how long UserLock scopes held their lock.
	LockHoldSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_lock_hold_seconds",
		Help:    "Time between acquisition and release of account locks",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	// LedgerCommitCounter counts commits by transaction type and result:
	// committed, appended (not COMPLETED), replayed, recovered (an orphan row
	// applied on replay), compensated or failed.
	LedgerCommitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commit_total",
		Help: "Ledger commits by transaction type and result",
	}, []string{"type", "result"})
	// CompensationFailureCounter counts orphan transaction rows that could
	// not be removed.
	CompensationFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_compensation_failures_total",
		Help: "Compensating deletes that failed and left an orphan transaction",
	})
	// EventPublishFailureCounter counts ledger events that could not be
	// published.
	EventPublishFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_event_publish_failures_total",
		Help: "Ledger events dropped because the watch bus failed",
	})
	// DailyLimitRejectCounter counts requests rejected by a daily limit.
	DailyLimitRejectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_daily_limit_rejections_total",
		Help: "Requests rejected by a daily limit by transaction type",
	}, []string{"type"})
	// RewardClaimCounter counts reward claims by outcome: privileged,
	// default or rejected.
	RewardClaimCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reward_claims_total",
		Help: "Reward claims by outcome",
	}, []string{"outcome"})
	// ReconcileMismatchCounter counts balances found out of line with their ledger.
	ReconcileMismatchCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_mismatches_total",
		Help: "Balance rows that disagreed with the sum of their ledger",
	})
	// ReconcileHealedCounter counts balances rewritten by the reconciler.
	ReconcileHealedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconcile_healed_total",
		Help: "Balance rows rewritten from their ledger",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers every ledger collector on reg.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquireCounter,
		LockStaleRecoveredCounter,
		LockReleaseCounter,
		LockHoldSeconds,
		LedgerCommitCounter,
		CompensationFailureCounter,
		EventPublishFailureCounter,
		DailyLimitRejectCounter,
		RewardClaimCounter,
		ReconcileMismatchCounter,
		ReconcileHealedCounter,
	)
}
