// Package account implements the balance-changing business operations:
// deposits and withdrawals.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/limits"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

// Request describes one deposit or withdrawal. TransactionID is optional;
// a caller retrying a request passes the same id to avoid a second debit.
type Request struct {
	AccountID     string
	Amount        decimal.Decimal
	Description   string
	TransactionID string
}

// Result is the committed transaction and the balance after it.
type Result struct {
	Transaction model.Transaction
	Balance     model.Balance
}

// Service runs deposits and withdrawals.
type Service struct {
	locks       *lock.Manager
	ledger      *ledger.Ledger
	limits      *limits.Validator
	logger      *slog.Logger
	lockTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLockTimeout sets the lifetime of the account lock taken per request.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// NewService returns a Service. A nil validator disables daily limits.
func NewService(locks *lock.Manager, l *ledger.Ledger, v *limits.Validator, opts ...Option) *Service {
	s := &Service{locks: locks, ledger: l, limits: v, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deposit credits req.Amount to the account.
func (s *Service) Deposit(ctx context.Context, req Request) (Result, error) {
	return s.run(ctx, model.Deposit, req)
}

// Withdraw debits req.Amount from the account. It fails with an
// InsufficientBalanceError, before anything is written, when the balance is
// lower than the amount.
func (s *Service) Withdraw(ctx context.Context, req Request) (Result, error) {
	return s.run(ctx, model.Withdraw, req)
}

func (s *Service) run(ctx context.Context, typ model.TransactionType, req Request) (Result, error) {
	if !req.Amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: %s", ledgererrors.ErrInvalidAmount, req.Amount)
	}
	retry, err := s.committed(ctx, req)
	if err != nil {
		return Result{}, err
	}
	// The limit check reads the ledger before the lock is taken, so two
	// concurrent requests can both pass it. A retry was counted already.
	if s.limits != nil && !retry {
		if err := s.limits.ValidateDailyLimit(ctx, req.AccountID, typ, req.Amount); err != nil {
			return Result{}, err
		}
	}

	var res Result
	operation := "deposit"
	if typ == model.Withdraw {
		operation = "withdraw"
	}
	err = s.locks.WithUserLock(ctx, req.AccountID, operation, s.lockTimeout, func(ctx context.Context) error {
		if !retry {
			var err error
			if retry, err = s.committed(ctx, req); err != nil {
				return err
			}
		}
		if typ == model.Withdraw && !retry {
			cur, err := s.ledger.CurrentBalance(ctx, req.AccountID)
			if err != nil {
				return err
			}
			if cur.CurrentBalance.LessThan(req.Amount) {
				return &ledgererrors.InsufficientBalanceError{
					AccountID: req.AccountID,
					Balance:   cur.CurrentBalance,
					Requested: req.Amount,
				}
			}
		}
		tx, bal, err := s.ledger.Commit(ctx, model.Transaction{
			TransactionID: req.TransactionID,
			AccountID:     req.AccountID,
			Type:          typ,
			Amount:        req.Amount,
			Status:        model.StatusCompleted,
			Description:   req.Description,
		})
		if err != nil {
			return err
		}
		res = Result{Transaction: tx, Balance: bal}
		return nil
	})
	if err != nil {
		s.logger.Debug("account operation rejected", "account_id", req.AccountID, "type", typ, "error", err)
		return Result{}, err
	}
	s.logger.Info("account operation committed",
		"account_id", req.AccountID,
		"type", typ,
		"transaction_id", res.Transaction.TransactionID,
		"balance", res.Balance.CurrentBalance.String(),
	)
	return res, nil
}

// committed reports whether req.TransactionID is already on the ledger. The
// commit of such a request replays the stored row.
func (s *Service) committed(ctx context.Context, req Request) (bool, error) {
	if req.TransactionID == "" {
		return false, nil
	}
	_, err := s.ledger.GetTransaction(ctx, req.AccountID, req.TransactionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ledgererrors.ErrEntityNotFound):
		return false, nil
	}
	return false, err
}
