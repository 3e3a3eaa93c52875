// Package limits enforces per-type daily ceilings on an account's
// transactions. Totals are recomputed from the ledger on every call; there
// is no materialized per-day counter.
package limits

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

// Environment variables overriding the default ceilings.
const (
	EnvDailyDepositLimit  = "DAILY_DEPOSIT_LIMIT"
	EnvDailyWithdrawLimit = "DAILY_WITHDRAW_LIMIT"
)

var (
	DefaultDailyDepositLimit  = decimal.NewFromInt(10000)
	DefaultDailyWithdrawLimit = decimal.NewFromInt(5000)
)

const pageSize = 100

// Limits maps a transaction type to its daily ceiling. Types without an
// entry are not limited.
type Limits map[model.TransactionType]decimal.Decimal

// Defaults returns the built-in ceilings.
func Defaults() Limits {
	return Limits{
		model.Deposit:  DefaultDailyDepositLimit,
		model.Withdraw: DefaultDailyWithdrawLimit,
	}
}

// LimitsFromEnv returns the default ceilings overridden by the environment.
// A malformed or negative value keeps the default and is logged.
func LimitsFromEnv(logger *slog.Logger) Limits {
	return limitsFrom(os.Getenv, logger)
}

func limitsFrom(getenv func(string) string, logger *slog.Logger) Limits {
	if logger == nil {
		logger = slog.Default()
	}
	l := Defaults()
	for typ, key := range map[model.TransactionType]string{
		model.Deposit:  EnvDailyDepositLimit,
		model.Withdraw: EnvDailyWithdrawLimit,
	} {
		raw := getenv(key)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			logger.Warn("ignoring invalid daily limit", "env", key, "value", raw)
			continue
		}
		l[typ] = v
	}
	return l
}

// TransactionReader is the part of the ledger the validator reads from.
type TransactionReader interface {
	GetUserTransactions(ctx context.Context, accountID string, limit int, startKey string) (model.Page, error)
}

// Validator computes daily totals and checks requests against Limits.
type Validator struct {
	ledger TransactionReader
	limits Limits
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock replaces time.Now to pick "today".
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator returns a Validator reading from ledger.
func NewValidator(ledger TransactionReader, limits Limits, opts ...Option) *Validator {
	v := &Validator{ledger: ledger, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limit returns the ceiling for typ and whether one is configured.
func (v *Validator) Limit(typ model.TransactionType) (decimal.Decimal, bool) {
	l, ok := v.limits[typ]
	return l, ok
}

// GetDailyTotal sums the absolute amounts of the account's transactions of
// type typ created on date's UTC calendar day. FAILED rows do not count.
func (v *Validator) GetDailyTotal(ctx context.Context, accountID string, typ model.TransactionType, date time.Time) (decimal.Decimal, error) {
	day := model.UTCDate(date)
	end := day.AddDate(0, 0, 1)
	total := decimal.Zero
	key := ""
	for {
		page, err := v.ledger.GetUserTransactions(ctx, accountID, pageSize, key)
		if err != nil {
			return decimal.Zero, ledgererrors.NewDatabaseOperation("get_daily_total", err)
		}
		for _, tx := range page.Items {
			// Pages are chronological, nothing after the day can match.
			if !tx.CreatedAt.Before(end) {
				return total, nil
			}
			if tx.Type != typ || tx.Status == model.StatusFailed || !model.SameUTCDay(tx.CreatedAt, day) {
				continue
			}
			total = total.Add(tx.Amount.Abs())
		}
		if page.NextKey == "" {
			return total, nil
		}
		key = page.NextKey
	}
}

// ValidateDailyLimit fails with a *errors.DailyLimitExceededError when
// today's total for typ plus amount exceeds the configured ceiling.
func (v *Validator) ValidateDailyLimit(ctx context.Context, accountID string, typ model.TransactionType, amount decimal.Decimal) error {
	limit, ok := v.limits[typ]
	if !ok {
		return nil
	}
	used, err := v.GetDailyTotal(ctx, accountID, typ, v.now())
	if err != nil {
		return err
	}
	if used.Add(amount.Abs()).GreaterThan(limit) {
		metrics.DailyLimitRejectCounter.WithLabelValues(string(typ)).Inc()
		return &ledgererrors.DailyLimitExceededError{
			Type:      string(typ),
			Limit:     limit,
			Used:      used,
			Requested: amount.Abs(),
		}
	}
	return nil
}
