// Package model defines the records persisted by the lock and ledger stores:
// per-account locks, balance rows and append-only transaction rows.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	Deposit  TransactionType = "DEPOSIT"
	Withdraw TransactionType = "WITHDRAW"
	// OrderBuy and OrderSell are written by order settlement.
	OrderBuy  TransactionType = "ORDER_BUY"
	OrderSell TransactionType = "ORDER_SELL"
)

// Sign returns +1 for types that credit the balance and -1 for types that
// debit it.
func (t TransactionType) Sign() int {
	switch t {
	case Withdraw, OrderBuy:
		return -1
	default:
		return 1
	}
}

// TransactionStatus is the lifecycle state of a ledger entry.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Lock is the exclusive lock row of an account. At most one non-expired Lock
// exists per AccountID.
type Lock struct {
	AccountID  string    `json:"account_id"`
	LockID     string    `json:"lock_id"`
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock is stale at now.
func (l Lock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// Balance is the derived running balance of an account. Version increases by
// one on every write and guards concurrent read-modify-write cycles.
type Balance struct {
	AccountID      string          `json:"account_id"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is one append-only ledger row.
type Transaction struct {
	TransactionID string            `json:"transaction_id"`
	AccountID     string            `json:"account_id"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        TransactionStatus `json:"status"`
	Description   string            `json:"description"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Delta returns the signed amount this transaction contributes to the balance.
func (t Transaction) Delta() decimal.Decimal {
	if t.Type.Sign() < 0 {
		return t.Amount.Abs().Neg()
	}
	return t.Amount.Abs()
}

// sortTimeLayout is fixed width so that lexical order equals time order.
const sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SortKey orders transactions of an account chronologically, ties broken by
// transaction id.
func (t Transaction) SortKey() string {
	return t.CreatedAt.UTC().Format(sortTimeLayout) + "#" + t.TransactionID
}

// TransactionIDFromSortKey extracts the transaction id from a sort key.
func TransactionIDFromSortKey(key string) string {
	if i := strings.IndexByte(key, '#'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Page is one page of an account's ledger. NextKey is empty on the last page.
type Page struct {
	Items   []Transaction `json:"items"`
	NextKey string        `json:"next_key,omitempty"`
}

// UTCDate truncates t to the start of its UTC calendar day.
func UTCDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameUTCDay reports whether a and b fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	return UTCDate(a).Equal(UTCDate(b))
}
