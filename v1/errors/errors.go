// Package errors defines the error taxonomy shared by the lock manager, the
// balance ledger and the business services built on them.
//
// Sentinels are matched with errors.Is; the typed errors carry the detail a
// caller needs to render a message and are matched with errors.As.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Transport-level sentinels produced by store adapters.
var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConditionFailed reports that a conditional write or delete did not
	// match the stored item.
	ErrConditionFailed = errors.New("condition failed")
)

// Domain sentinels.
var (
	ErrLockAcquisition     = errors.New("lock acquisition failed")
	ErrDatabaseOperation   = errors.New("database operation failed")
	ErrDailyLimitExceeded  = errors.New("daily limit exceeded")
	ErrAlreadyClaimedToday = errors.New("already claimed today")
	ErrEntityNotFound      = errors.New("entity not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// LockAcquisitionError reports contention on an account lock.
type LockAcquisitionError struct {
	AccountID string
	Operation string
	// HeldBy is the operation label of the current holder, if known.
	HeldBy string
	// HeldUntil is the current holder's expiry, zero if unknown.
	HeldUntil time.Time
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("lock for account %s is held, cannot start %s", e.AccountID, e.Operation)
}

func (e *LockAcquisitionError) Is(target error) bool { return target == ErrLockAcquisition }

// DatabaseOperationError wraps a store failure. The message never includes
// the underlying driver error; use errors.Unwrap to reach it.
type DatabaseOperationError struct {
	Op  string
	Err error
}

func (e *DatabaseOperationError) Error() string {
	return "database operation failed: " + e.Op
}

func (e *DatabaseOperationError) Unwrap() error { return e.Err }

func (e *DatabaseOperationError) Is(target error) bool { return target == ErrDatabaseOperation }

// NewDatabaseOperation wraps err unless it already belongs to the taxonomy.
func NewDatabaseOperation(op string, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *DatabaseOperationError
	if errors.As(err, &dbErr) {
		return err
	}
	return &DatabaseOperationError{Op: op, Err: err}
}

// DailyLimitExceededError reports that a request would push today's total
// for a transaction type over its ceiling.
type DailyLimitExceededError struct {
	Type      string
	Limit     decimal.Decimal
	Used      decimal.Decimal
	Requested decimal.Decimal
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("daily %s limit of %s exceeded: %s already used today, %s requested",
		e.Type, e.Limit.StringFixed(2), e.Used.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *DailyLimitExceededError) Is(target error) bool { return target == ErrDailyLimitExceeded }

// Remaining returns how much can still be transacted today.
func (e *DailyLimitExceededError) Remaining() decimal.Decimal {
	r := e.Limit.Sub(e.Used)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// AlreadyClaimedTodayError reports a second privileged reward claim on the
// same UTC day.
type AlreadyClaimedTodayError struct {
	AccountID     string
	TransactionID string
}

func (e *AlreadyClaimedTodayError) Error() string {
	return fmt.Sprintf("account %s already claimed today's reward", e.AccountID)
}

func (e *AlreadyClaimedTodayError) Is(target error) bool { return target == ErrAlreadyClaimedToday }

// EntityNotFoundError reports a missing account, balance or transaction.
type EntityNotFoundError struct {
	Entity string
	ID     string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *EntityNotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// InsufficientBalanceError reports a debit larger than the current balance.
type InsufficientBalanceError struct {
	AccountID string
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %s available, %s requested",
		e.Balance.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// HTTPStatus maps an error to the status class an HTTP controller should
// return. Contention and store failures are retryable server-side errors;
// business rule violations are client errors.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrLockAcquisition), errors.Is(err, ErrDatabaseOperation),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrDailyLimitExceeded), errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAlreadyClaimedToday):
		return http.StatusConflict
	case errors.Is(err, ErrEntityNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
