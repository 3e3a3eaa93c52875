// Package reward implements the once-per-day lunar new year reward claim.
package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

// PrivilegedMarker tags the description of a claim paid from the phrase
// table. At most one such deposit may exist per account and UTC day.
const PrivilegedMarker = "[CNY_PRIVILEGED]"

// DefaultAmount is credited for phrases missing from the table when the
// file does not configure one.
var DefaultAmount = decimal.RequireFromString("8.88")

// Phrases is the reward table.
type Phrases struct {
	Amounts       map[string]decimal.Decimal `json:"phrases"`
	DefaultAmount decimal.Decimal            `json:"default_amount"`
}

// LoadPhrases reads the reward table from a JSON file of the form
//
//	{"phrases": {"恭喜发财": "88.88"}, "default_amount": "8.88"}
//
// A missing or malformed file yields an empty table, never an error.
func LoadPhrases(path string, logger *slog.Logger) Phrases {
	if logger == nil {
		logger = slog.Default()
	}
	empty := Phrases{Amounts: map[string]decimal.Decimal{}, DefaultAmount: DefaultAmount}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("reward phrases not loaded, using empty table", "path", path, "error", err)
		return empty
	}
	var p Phrases
	if err := json.Unmarshal(data, &p); err != nil {
		logger.Warn("reward phrases malformed, using empty table", "path", path, "error", err)
		return empty
	}
	if p.Amounts == nil {
		p.Amounts = map[string]decimal.Decimal{}
	}
	for phrase, amt := range p.Amounts {
		if !amt.IsPositive() {
			logger.Warn("dropping reward phrase with non-positive amount", "phrase", phrase)
			delete(p.Amounts, phrase)
		}
	}
	if !p.DefaultAmount.IsPositive() {
		p.DefaultAmount = DefaultAmount
	}
	logger.Info("reward phrases loaded", "path", path, "count", len(p.Amounts))
	return p
}

// Claim is the outcome of a successful ClaimReward.
type Claim struct {
	Transaction model.Transaction
	Balance     model.Balance
	Privileged  bool
}

// Service pays out rewards.
type Service struct {
	locks       *lock.Manager
	ledger      *ledger.Ledger
	phrases     Phrases
	logger      *slog.Logger
	now         func() time.Time
	lockTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock replaces time.Now to pick "today".
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLockTimeout sets the lifetime of the account lock taken per claim.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) { s.lockTimeout = d }
}

// NewService returns a Service paying from phrases.
func NewService(locks *lock.Manager, l *ledger.Ledger, phrases Phrases, opts ...Option) *Service {
	s := &Service{locks: locks, ledger: l, phrases: phrases, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClaimReward credits the reward for phrase. A phrase found in the table
// pays its amount and counts as today's privileged claim; any other phrase
// pays the default amount and is not marked, so it does not block a later
// privileged claim on the same day.
func (s *Service) ClaimReward(ctx context.Context, accountID, phrase string) (Claim, error) {
	if prior, err := s.privilegedClaimToday(ctx, accountID); err != nil {
		return Claim{}, err
	} else if prior != "" {
		metrics.RewardClaimCounter.WithLabelValues("rejected").Inc()
		return Claim{}, &ledgererrors.AlreadyClaimedTodayError{AccountID: accountID, TransactionID: prior}
	}

	amount, privileged := s.phrases.Amounts[phrase]
	desc := "CNY reward"
	if privileged {
		desc = fmt.Sprintf("CNY reward %q %s", phrase, PrivilegedMarker)
	} else {
		amount = s.phrases.DefaultAmount
		if !amount.IsPositive() {
			amount = DefaultAmount
		}
	}

	var claim Claim
	err := s.locks.WithUserLock(ctx, accountID, "cny_claim", s.lockTimeout, func(ctx context.Context) error {
		tx, bal, err := s.ledger.Commit(ctx, model.Transaction{
			AccountID:   accountID,
			Type:        model.Deposit,
			Amount:      amount,
			Status:      model.StatusCompleted,
			Description: desc,
			CreatedAt:   s.now(),
		})
		if err != nil {
			return err
		}
		claim = Claim{Transaction: tx, Balance: bal, Privileged: privileged}
		return nil
	})
	if err != nil {
		return Claim{}, err
	}
	outcome := "default"
	if privileged {
		outcome = "privileged"
	}
	metrics.RewardClaimCounter.WithLabelValues(outcome).Inc()
	s.logger.Info("reward claimed", "account_id", accountID, "privileged", privileged, "amount", amount.String())
	return claim, nil
}

// privilegedClaimToday returns the id of today's privileged claim, if any.
func (s *Service) privilegedClaimToday(ctx context.Context, accountID string) (string, error) {
	today := s.now()
	end := model.UTCDate(today).AddDate(0, 0, 1)
	found := ""
	err := s.ledger.Replay(ctx, accountID, func(tx model.Transaction) bool {
		if !tx.CreatedAt.Before(end) {
			return false
		}
		if tx.Type == model.Deposit && tx.Status != model.StatusFailed &&
			model.SameUTCDay(tx.CreatedAt, today) && strings.Contains(tx.Description, PrivilegedMarker) {
			found = tx.TransactionID
			return false
		}
		return true
	})
	return found, err
}
