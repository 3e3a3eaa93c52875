// Package ledger keeps an account's running balance consistent with its
// append-only transaction history on a store that offers no multi-item
// transactions.
//
// A commit is two phases. The transaction row is appended first and is
// durable on its own; the balance row is then rewritten under an optimistic
// version check. If the second phase fails the appended row is deleted
// again (compensation) and the caller gets a retryable
// DatabaseOperationError. A compensation that itself fails leaves an orphan
// row behind for the reconciliation job in package validator.
//
// Balance writes must happen while the account lock of package lock is held.
// The ledger does not take the lock itself.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/adapter"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/watchbus"
)

var tracer = otel.Tracer("github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger")

const (
	transactionIDPrefix = "txn_"
	cleanupTimeout      = 5 * time.Second
)

// ErrUnsettled reports a balance that differs from the ledger by more than
// the replayed transaction. Reconciliation has to run before the retry can
// succeed.
var ErrUnsettled = errors.New("ledger: balance does not match completed transactions")

// EventKind names what happened to an account's ledger.
type EventKind string

const (
	EventCommitted   EventKind = "committed"
	EventCompensated EventKind = "compensated"
	EventReconciled  EventKind = "reconciled"
)

// Event is published as JSON on EventKey(account) after every change.
type Event struct {
	Kind        EventKind          `json:"kind"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
	Balance     *model.Balance     `json:"balance,omitempty"`
}

// EventKey is the watch bus key of an account's ledger events.
func EventKey(accountID string) string { return "ledger:" + accountID }

// Ledger is the balance ledger API.
type Ledger struct {
	store  adapter.LedgerStore
	events watchbus.WatchBus
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEvents publishes ledger events on bus.
func WithEvents(bus watchbus.WatchBus) Option {
	return func(l *Ledger) { l.events = bus }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock replaces time.Now for created_at and updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces the random part of generated transaction ids.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// New returns a Ledger on store.
func New(store adapter.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateTransaction appends tx to the account's ledger. A missing id,
// status or created_at is filled in (COMPLETED, now). If a row with the same
// id already exists it is returned unchanged and created is false.
func (l *Ledger) CreateTransaction(ctx context.Context, tx model.Transaction) (stored model.Transaction, created bool, err error) {
	if tx.AccountID == "" {
		return model.Transaction{}, false, fmt.Errorf("ledger: transaction without account id")
	}
	if !tx.Amount.IsPositive() {
		return model.Transaction{}, false, fmt.Errorf("%w: %s", ledgererrors.ErrInvalidAmount, tx.Amount)
	}
	if tx.TransactionID == "" {
		tx.TransactionID = transactionIDPrefix + l.newID()
	}
	if tx.Status == "" {
		tx.Status = model.StatusCompleted
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now()
	}
	tx.CreatedAt = tx.CreatedAt.UTC()

	stored, created, err = l.store.PutTransaction(ctx, tx)
	if err != nil {
		return model.Transaction{}, false, ledgererrors.NewDatabaseOperation("create_transaction", err)
	}
	return stored, created, nil
}

// ApplyTransactionToBalance adds tx's signed amount to the account balance.
// An absent balance row starts at zero. The caller must hold the account
// lock; a concurrent writer is detected through the balance version and
// reported as a DatabaseOperationError.
func (l *Ledger) ApplyTransactionToBalance(ctx context.Context, tx model.Transaction) (model.Balance, error) {
	cur, err := l.balanceOrZero(ctx, tx.AccountID)
	if err != nil {
		return model.Balance{}, err
	}
	next := model.Balance{
		AccountID:      tx.AccountID,
		CurrentBalance: cur.CurrentBalance.Add(tx.Delta()),
		Version:        cur.Version + 1,
		UpdatedAt:      l.now().UTC(),
	}
	if err := l.store.PutBalance(ctx, next); err != nil {
		return model.Balance{}, ledgererrors.NewDatabaseOperation("apply_transaction", err)
	}
	return next, nil
}

// CleanupFailedTransaction deletes an orphan transaction row whose balance
// update failed. A row that is already gone is not an error.
func (l *Ledger) CleanupFailedTransaction(ctx context.Context, accountID, transactionID string) error {
	deleted, err := l.store.DeleteTransaction(ctx, accountID, transactionID)
	if err != nil {
		metrics.CompensationFailureCounter.Inc()
		l.logger.Error("compensating delete failed, orphan transaction left",
			"account_id", accountID, "transaction_id", transactionID, "error", err)
		return ledgererrors.NewDatabaseOperation("cleanup_transaction", err)
	}
	if !deleted {
		l.logger.Debug("orphan transaction already gone", "account_id", accountID, "transaction_id", transactionID)
	}
	return nil
}

// GetUserTransactions returns one page of the account's ledger, oldest
// first. startKey is the NextKey of the previous page, "" for the first.
func (l *Ledger) GetUserTransactions(ctx context.Context, accountID string, limit int, startKey string) (model.Page, error) {
	page, err := l.store.QueryTransactions(ctx, accountID, limit, startKey)
	if err != nil {
		return model.Page{}, ledgererrors.NewDatabaseOperation("get_user_transactions", err)
	}
	return page, nil
}

// GetTransaction returns one transaction or an EntityNotFoundError.
func (l *Ledger) GetTransaction(ctx context.Context, accountID, transactionID string) (model.Transaction, error) {
	tx, ok, err := l.store.GetTransaction(ctx, accountID, transactionID)
	if err != nil {
		return model.Transaction{}, ledgererrors.NewDatabaseOperation("get_transaction", err)
	}
	if !ok {
		return model.Transaction{}, &ledgererrors.EntityNotFoundError{Entity: "transaction", ID: transactionID}
	}
	return tx, nil
}

// GetBalance returns the balance row or an EntityNotFoundError for an
// account that never had a committed transaction.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (model.Balance, error) {
	b, ok, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return model.Balance{}, ledgererrors.NewDatabaseOperation("get_balance", err)
	}
	if !ok {
		return model.Balance{}, &ledgererrors.EntityNotFoundError{Entity: "balance", ID: accountID}
	}
	return b, nil
}

func (l *Ledger) balanceOrZero(ctx context.Context, accountID string) (model.Balance, error) {
	b, ok, err := l.store.GetBalance(ctx, accountID)
	if err != nil {
		return model.Balance{}, ledgererrors.NewDatabaseOperation("get_balance", err)
	}
	if !ok {
		return model.Balance{AccountID: accountID, CurrentBalance: decimal.Zero}, nil
	}
	return b, nil
}

// CurrentBalance returns the balance row, a zero row for unknown accounts.
func (l *Ledger) CurrentBalance(ctx context.Context, accountID string) (model.Balance, error) {
	return l.balanceOrZero(ctx, accountID)
}

// Commit appends tx and applies it to the balance. The caller must hold the
// account lock. When the balance update fails the appended row is removed
// again and the balance error is returned.
//
// Replaying a transaction id that is already on the ledger returns the
// stored row and the current balance without applying it a second time. A
// COMPLETED row left behind by a commit whose compensation failed is applied
// on replay; a replay on an account that disagrees with its ledger in any
// other way fails with ErrUnsettled.
// Rows that are not COMPLETED are appended but do not move the balance.
func (l *Ledger) Commit(ctx context.Context, tx model.Transaction) (model.Transaction, model.Balance, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.account_id", tx.AccountID),
		attribute.String("ledger.type", string(tx.Type)),
	)

	stored, created, err := l.CreateTransaction(ctx, tx)
	if err != nil {
		metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return model.Transaction{}, model.Balance{}, err
	}
	span.SetAttributes(attribute.String("ledger.transaction_id", stored.TransactionID))

	if !created && stored.Status == model.StatusCompleted {
		bal, applied, err := l.settleReplay(ctx, stored)
		if err != nil {
			metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay unsettled")
			return model.Transaction{}, model.Balance{}, err
		}
		if !applied {
			metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), "replayed").Inc()
			return stored, bal, nil
		}
		l.logger.Info("applied replayed transaction left by a failed commit",
			"account_id", stored.AccountID, "transaction_id", stored.TransactionID)
		metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), "recovered").Inc()
		l.publish(ctx, Event{Kind: EventCommitted, Transaction: &stored, Balance: &bal})
		return stored, bal, nil
	}
	if stored.Status != model.StatusCompleted {
		result := "replayed"
		if created {
			result = "appended"
		}
		metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), result).Inc()
		bal, err := l.balanceOrZero(ctx, stored.AccountID)
		if err != nil {
			return stored, model.Balance{}, err
		}
		return stored, bal, nil
	}

	bal, err := l.ApplyTransactionToBalance(ctx, stored)
	if err != nil {
		l.logger.Warn("balance update failed, compensating",
			"account_id", stored.AccountID, "transaction_id", stored.TransactionID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if cerr := l.CleanupFailedTransaction(cctx, stored.AccountID, stored.TransactionID); cerr == nil {
			l.publish(cctx, Event{Kind: EventCompensated, Transaction: &stored})
		}
		metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), "compensated").Inc()
		return model.Transaction{}, model.Balance{}, ledgererrors.NewDatabaseOperation("commit_transaction", err)
	}

	metrics.LedgerCommitCounter.WithLabelValues(string(tx.Type), "committed").Inc()
	l.publish(ctx, Event{Kind: EventCommitted, Transaction: &stored, Balance: &bal})
	return stored, bal, nil
}

// settleReplay returns the balance for a COMPLETED row that was already on
// the ledger. A row whose commit appended it but never updated the balance
// is the only difference between the balance and the ledger sum; it is
// applied now and applied is true. Any other difference is ErrUnsettled.
func (l *Ledger) settleReplay(ctx context.Context, stored model.Transaction) (bal model.Balance, applied bool, err error) {
	bal, err = l.balanceOrZero(ctx, stored.AccountID)
	if err != nil {
		return model.Balance{}, false, err
	}
	sum, err := l.ComputeBalance(ctx, stored.AccountID)
	if err != nil {
		return model.Balance{}, false, err
	}
	switch {
	case bal.CurrentBalance.Equal(sum):
		return bal, false, nil
	case bal.CurrentBalance.Add(stored.Delta()).Equal(sum):
		next, err := l.ApplyTransactionToBalance(ctx, stored)
		if err != nil {
			return model.Balance{}, false, err
		}
		return next, true, nil
	}
	l.logger.Warn("replayed transaction on an unsettled account",
		"account_id", stored.AccountID, "transaction_id", stored.TransactionID,
		"balance", bal.CurrentBalance.String(), "ledger", sum.String())
	return model.Balance{}, false, ledgererrors.NewDatabaseOperation("replay_transaction",
		fmt.Errorf("%w: balance %s, ledger %s", ErrUnsettled, bal.CurrentBalance, sum))
}

// Replay calls fn for every transaction of the account, oldest first,
// following pagination until the last page or until fn returns false.
func (l *Ledger) Replay(ctx context.Context, accountID string, fn func(model.Transaction) bool) error {
	key := ""
	for {
		page, err := l.GetUserTransactions(ctx, accountID, adapter.DefaultPageSize, key)
		if err != nil {
			return err
		}
		for _, tx := range page.Items {
			if !fn(tx) {
				return nil
			}
		}
		if page.NextKey == "" {
			return nil
		}
		key = page.NextKey
	}
}

// ComputeBalance returns the signed sum of the account's COMPLETED
// transactions, the value the balance row must hold.
func (l *Ledger) ComputeBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	sum := decimal.Zero
	err := l.Replay(ctx, accountID, func(tx model.Transaction) bool {
		if tx.Status == model.StatusCompleted {
			sum = sum.Add(tx.Delta())
		}
		return true
	})
	return sum, err
}

// OverwriteBalance sets the account balance to amount. It serves the
// reconciliation job and, like Commit, must run under the account lock.
func (l *Ledger) OverwriteBalance(ctx context.Context, accountID string, amount decimal.Decimal) (model.Balance, error) {
	cur, err := l.balanceOrZero(ctx, accountID)
	if err != nil {
		return model.Balance{}, err
	}
	next := model.Balance{
		AccountID:      accountID,
		CurrentBalance: amount,
		Version:        cur.Version + 1,
		UpdatedAt:      l.now().UTC(),
	}
	if err := l.store.PutBalance(ctx, next); err != nil {
		return model.Balance{}, ledgererrors.NewDatabaseOperation("overwrite_balance", err)
	}
	l.publish(ctx, Event{Kind: EventReconciled, Balance: &next})
	return next, nil
}

// ListAccounts returns every account with a balance row.
func (l *Ledger) ListAccounts(ctx context.Context) ([]string, error) {
	ids, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, ledgererrors.NewDatabaseOperation("list_accounts", err)
	}
	return ids, nil
}

func (l *Ledger) publish(ctx context.Context, ev Event) {
	if l.events == nil {
		return
	}
	account := ""
	switch {
	case ev.Transaction != nil:
		account = ev.Transaction.AccountID
	case ev.Balance != nil:
		account = ev.Balance.AccountID
	}
	data, err := json.Marshal(ev)
	if err == nil {
		err = l.events.Publish(ctx, EventKey(account), data)
	}
	if err != nil {
		metrics.EventPublishFailureCounter.Inc()
		l.logger.Warn("ledger event not published", "account_id", account, "kind", ev.Kind, "error", err)
	}
}
