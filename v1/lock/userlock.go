package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
)

const releaseTimeout = 5 * time.Second

// UserLock scopes one account lock around a unit of work. Enter acquires,
// Exit releases. A UserLock whose Enter failed releases nothing on Exit.
type UserLock struct {
	m          *Manager
	AccountID  string
	Operation  string
	Timeout    time.Duration
	lockID     string
	acquiredAt time.Time
}

// NewUserLock returns an unacquired UserLock for accountID.
func (m *Manager) NewUserLock(accountID, operation string, timeout time.Duration) *UserLock {
	return &UserLock{m: m, AccountID: accountID, Operation: operation, Timeout: timeout}
}

// Enter acquires the lock. It fails fast under contention.
func (u *UserLock) Enter(ctx context.Context) error {
	if u.lockID != "" {
		return fmt.Errorf("lock: %s already held", u.AccountID)
	}
	id, err := u.m.Acquire(ctx, u.AccountID, u.Operation, u.Timeout)
	if err != nil {
		return err
	}
	u.lockID = id
	u.acquiredAt = u.m.now()
	return nil
}

// Exit releases the lock if Enter acquired it and returns err unchanged.
// Release runs even when ctx is already cancelled. A failed release is
// logged and otherwise ignored: the lock expires on its own.
func (u *UserLock) Exit(ctx context.Context, err error) error {
	if u.lockID == "" {
		return err
	}
	id := u.lockID
	u.lockID = ""
	metrics.LockHoldSeconds.Observe(u.m.now().Sub(u.acquiredAt).Seconds())

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	released, rerr := u.m.Release(rctx, u.AccountID, id)
	switch {
	case rerr != nil:
		u.m.logger.Error("account lock release failed", "account_id", u.AccountID, "lock_id", id, "error", rerr)
	case !released:
		u.m.logger.Warn("account lock lost before release", "account_id", u.AccountID, "lock_id", id, "operation", u.Operation)
	}
	return err
}

// Held reports whether the lock is currently held by u.
func (u *UserLock) Held() bool { return u.lockID != "" }

// LockID returns the id of the held lock, or "".
func (u *UserLock) LockID() string { return u.lockID }

// WithUserLock runs fn while holding the lock of accountID. The lock is
// released when fn returns or panics. fn's error is returned as is.
func (m *Manager) WithUserLock(ctx context.Context, accountID, operation string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	u := m.NewUserLock(accountID, operation, timeout)
	if err := u.Enter(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = u.Exit(ctx, nil)
			panic(r)
		}
		err = u.Exit(ctx, err)
	}()
	return fn(ctx)
}
