// Package validator runs the reconciliation job: it compares every balance
// row with the signed sum of the account's COMPLETED transactions and
// reports, or repairs, the accounts where they disagree. Disagreement is
// what an orphan row left by a failed compensation looks like.
package validator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop counts mismatches and does nothing else.
	ModeNoop Mode = iota
	// ModeAlert confirms mismatches under the account lock and logs them.
	ModeAlert
	// ModeAutoHeal also rewrites the balance to the ledger sum.
	ModeAutoHeal
)

func (m Mode) String() string {
	switch m {
	case ModeAlert:
		return "alert"
	case ModeAutoHeal:
		return "autoheal"
	default:
		return "noop"
	}
}

// ParseMode maps "noop", "alert" and "autoheal" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "noop":
		return ModeNoop, true
	case "alert":
		return ModeAlert, true
	case "autoheal", "auto-heal":
		return ModeAutoHeal, true
	}
	return ModeNoop, false
}

const (
	defaultConcurrency = 4
	lockTimeout        = 30 * time.Second
	lockWait           = 10 * time.Second
	releaseTimeout     = 5 * time.Second
)

// Mismatch is an account whose balance row disagrees with its ledger.
type Mismatch struct {
	AccountID string
	Stored    decimal.Decimal
	Expected  decimal.Decimal
	Healed    bool
}

// Report summarizes one scan.
type Report struct {
	Accounts   int
	Mismatches []Mismatch
	Errors     int
}

// Validator periodically reconciles balances against the ledger.
type Validator struct {
	ledger      *ledger.Ledger
	locks       *lock.Manager
	mode        Mode
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
	mismatches  atomic.Uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithConcurrency bounds how many accounts are checked in parallel.
func WithConcurrency(n int) Option {
	return func(v *Validator) { v.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a new Validator. locks may be nil in ModeNoop.
func New(l *ledger.Ledger, locks *lock.Manager, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{
		ledger:      l,
		locks:       locks,
		mode:        mode,
		interval:    interval,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.locks == nil {
		v.mode = ModeNoop
	}
	return v
}

// Run scans every interval until ctx is done.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.logger.Error("reconciliation scan failed", "error", err)
			}
		}
	}
}

// Scan checks every account once. Errors on single accounts are logged and
// counted in the report; only failing to list accounts aborts the scan.
func (v *Validator) Scan(ctx context.Context) (Report, error) {
	accounts, err := v.ledger.ListAccounts(ctx)
	if err != nil {
		return Report{}, err
	}
	var (
		mu  sync.Mutex
		rep = Report{Accounts: len(accounts)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			mm, found, err := v.check(gctx, acct)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errors++
				v.logger.Warn("reconciliation of account failed", "account_id", acct, "error", err)
				return nil
			}
			if found {
				rep.Mismatches = append(rep.Mismatches, mm)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}
	sort.Slice(rep.Mismatches, func(i, j int) bool {
		return rep.Mismatches[i].AccountID < rep.Mismatches[j].AccountID
	})
	return rep, ctx.Err()
}

func (v *Validator) compare(ctx context.Context, accountID string) (Mismatch, bool, error) {
	b, err := v.ledger.CurrentBalance(ctx, accountID)
	if err != nil {
		return Mismatch{}, false, err
	}
	sum, err := v.ledger.ComputeBalance(ctx, accountID)
	if err != nil {
		return Mismatch{}, false, err
	}
	if b.CurrentBalance.Equal(sum) {
		return Mismatch{}, false, nil
	}
	return Mismatch{AccountID: accountID, Stored: b.CurrentBalance, Expected: sum}, true, nil
}

func (v *Validator) check(ctx context.Context, accountID string) (Mismatch, bool, error) {
	mm, found, err := v.compare(ctx, accountID)
	if err != nil || !found {
		return mm, found, err
	}
	if v.mode == ModeNoop {
		v.mismatches.Add(1)
		return mm, true, nil
	}

	// An unlocked read may land between append and apply of a commit in
	// flight; confirm under the account lock before reporting.
	wctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	id, err := v.locks.AcquireWait(wctx, accountID, "reconcile", lockTimeout)
	if err != nil {
		return Mismatch{}, false, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, err := v.locks.Release(rctx, accountID, id); err != nil {
			v.logger.Error("reconcile lock release failed", "account_id", accountID, "error", err)
		}
	}()

	mm, found, err = v.compare(ctx, accountID)
	if err != nil || !found {
		return mm, found, err
	}
	v.mismatches.Add(1)
	metrics.ReconcileMismatchCounter.Inc()
	v.logger.Warn("balance does not match ledger",
		"account_id", accountID,
		"stored", mm.Stored.String(),
		"expected", mm.Expected.String(),
		"mode", v.mode.String(),
	)
	if v.mode == ModeAutoHeal {
		if _, err := v.ledger.OverwriteBalance(ctx, accountID, mm.Expected); err != nil {
			return mm, true, err
		}
		mm.Healed = true
		metrics.ReconcileHealedCounter.Inc()
		v.logger.Info("balance healed from ledger", "account_id", accountID, "balance", mm.Expected.String())
	}
	return mm, true, nil
}

// Metrics returns the number of mismatches detected since start.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}
