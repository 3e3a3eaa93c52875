package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/adapter"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/syncbus"
)

var tracer = otel.Tracer("github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock")

const (
	// DefaultTimeout is the lock lifetime used when Acquire gets timeout <= 0.
	DefaultTimeout = 30 * time.Second
	// lockIDPrefix marks lock tokens in logs and stored rows.
	lockIDPrefix   = "lock_"
	defaultMaxWait = time.Second
)

// ErrEmptyAccountID is returned for calls without an account id.
var ErrEmptyAccountID = errors.New("lock: account id is required")

// UnlockKey is the bus key signalled when the lock of accountID is released.
func UnlockKey(accountID string) string { return "unlock:" + accountID }

// Manager acquires and releases account locks on a LockStore.
type Manager struct {
	store          adapter.LockStore
	bus            syncbus.Bus
	logger         *slog.Logger
	now            func() time.Time
	newID          func() string
	defaultTimeout time.Duration
	maxWait        time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes release notifications on bus and lets AcquireWait wake
// up on them.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now, e.g. to test expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the random part of lock ids.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithDefaultTimeout sets the lifetime used for timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// WithMaxWait bounds how long AcquireWait sleeps between attempts when no
// release notification arrives.
func WithMaxWait(d time.Duration) Option {
	return func(m *Manager) { m.maxWait = d }
}

// NewManager returns a Manager backed by store.
func NewManager(store adapter.LockStore, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		logger:         slog.Default(),
		now:            time.Now,
		newID:          uuid.NewString,
		defaultTimeout: DefaultTimeout,
		maxWait:        defaultMaxWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock of accountID for timeout and returns its lock id.
// It fails at once with a *errors.LockAcquisitionError while another holder's
// lock is live, and with a *errors.DatabaseOperationError when the store
// fails. An expired lock is replaced.
func (m *Manager) Acquire(ctx context.Context, accountID, operation string, timeout time.Duration) (string, error) {
	if accountID == "" {
		return "", ErrEmptyAccountID
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ctx, span := tracer.Start(ctx, "LockManager.Acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.account_id", accountID),
		attribute.String("ledger.operation", operation),
	)

	// Stores keep lock times in unix milliseconds; compare at that grain
	// everywhere so every backend agrees on when a lock is stale.
	now := m.now().Truncate(time.Millisecond)
	l := model.Lock{
		AccountID:  accountID,
		LockID:     lockIDPrefix + m.newID(),
		Operation:  operation,
		AcquiredAt: now,
		ExpiresAt:  now.Add(timeout).Truncate(time.Millisecond),
	}
	prev, ok, err := m.store.PutLockIfAvailable(ctx, l, now)
	if err != nil {
		metrics.LockAcquireCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		m.logger.Error("lock acquisition failed", "account_id", accountID, "operation", operation, "error", err)
		return "", ledgererrors.NewDatabaseOperation("acquire_lock", err)
	}
	if !ok {
		metrics.LockAcquireCounter.WithLabelValues("contended").Inc()
		span.SetAttributes(attribute.String("ledger.lock.result", "contended"))
		lerr := &ledgererrors.LockAcquisitionError{AccountID: accountID, Operation: operation}
		if prev != nil {
			lerr.HeldBy = prev.Operation
			lerr.HeldUntil = prev.ExpiresAt
		}
		m.logger.Debug("account lock busy", "account_id", accountID, "operation", operation, "held_by", lerr.HeldBy)
		return "", lerr
	}
	metrics.LockAcquireCounter.WithLabelValues("acquired").Inc()
	span.SetAttributes(attribute.String("ledger.lock.result", "acquired"))
	if prev != nil {
		metrics.LockStaleRecoveredCounter.Inc()
		m.logger.Info("recovered stale account lock",
			"account_id", accountID,
			"stale_lock_id", prev.LockID,
			"stale_operation", prev.Operation,
			"expired_at", prev.ExpiresAt,
		)
	}
	return l.LockID, nil
}

// Release deletes the lock of accountID if lockID still owns it. It returns
// false, without error, when the lock is gone or belongs to someone else.
func (m *Manager) Release(ctx context.Context, accountID, lockID string) (bool, error) {
	if accountID == "" {
		return false, ErrEmptyAccountID
	}
	if lockID == "" {
		return false, nil
	}
	ctx, span := tracer.Start(ctx, "LockManager.Release")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.account_id", accountID))

	deleted, err := m.store.DeleteLockIfOwner(ctx, accountID, lockID)
	if err != nil {
		metrics.LockReleaseCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return false, ledgererrors.NewDatabaseOperation("release_lock", err)
	}
	if !deleted {
		metrics.LockReleaseCounter.WithLabelValues("not_owner").Inc()
		m.logger.Warn("release of account lock not held", "account_id", accountID, "lock_id", lockID)
		return false, nil
	}
	metrics.LockReleaseCounter.WithLabelValues("released").Inc()
	if m.bus != nil {
		if err := m.bus.Publish(ctx, UnlockKey(accountID)); err != nil {
			m.logger.Debug("unlock notification not sent", "account_id", accountID, "error", err)
		}
	}
	return true, nil
}

// Inspect returns the stored lock row of accountID, live or expired.
func (m *Manager) Inspect(ctx context.Context, accountID string) (model.Lock, bool, error) {
	l, ok, err := m.store.GetLock(ctx, accountID)
	if err != nil {
		return model.Lock{}, false, ledgererrors.NewDatabaseOperation("get_lock", err)
	}
	return l, ok, nil
}

// AcquireWait calls Acquire until it succeeds, a non-contention error occurs
// or ctx is done. Between attempts it sleeps until a release notification,
// the holder's expiry or the max wait, whichever comes first.
func (m *Manager) AcquireWait(ctx context.Context, accountID, operation string, timeout time.Duration) (string, error) {
	var notify chan struct{}
	if m.bus != nil {
		ch, err := m.bus.Subscribe(ctx, UnlockKey(accountID))
		if err != nil {
			m.logger.Debug("waiting without unlock notifications", "account_id", accountID, "error", err)
		} else {
			notify = ch
			defer func() { _ = m.bus.Unsubscribe(context.Background(), UnlockKey(accountID), ch) }()
		}
	}
	for {
		id, err := m.Acquire(ctx, accountID, operation, timeout)
		var lerr *ledgererrors.LockAcquisitionError
		if err == nil || !errors.As(err, &lerr) {
			return id, err
		}
		wait := m.maxWait
		if !lerr.HeldUntil.IsZero() {
			if d := lerr.HeldUntil.Sub(m.now()) + time.Millisecond; d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case _, ok := <-notify:
			if !ok {
				notify = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w: %w", err, ctx.Err())
		}
		timer.Stop()
	}
}
