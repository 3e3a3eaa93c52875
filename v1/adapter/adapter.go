package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

// LockStore persists one lock row per account and exposes the two
// conditional writes the lock manager is built on.
type LockStore interface {
	// GetLock returns the lock row of an account. The boolean reports
	// whether a row, expired or not, exists.
	GetLock(ctx context.Context, accountID string) (model.Lock, bool, error)
	// PutLockIfAvailable writes l iff no row exists for l.AccountID or the
	// stored row expired strictly before now. The check and the write are a
	// single atomic operation. prev is the row that was in place before the
	// call (nil if none): the current holder when ok is false, the stale
	// holder that was replaced when ok is true.
	PutLockIfAvailable(ctx context.Context, l model.Lock, now time.Time) (prev *model.Lock, ok bool, err error)
	// DeleteLockIfOwner deletes the lock row iff its lock id equals lockID.
	// It returns false, without error, when the row is absent or owned by
	// someone else.
	DeleteLockIfOwner(ctx context.Context, accountID, lockID string) (bool, error)
}

// LedgerStore persists balance rows and append-only transaction rows.
type LedgerStore interface {
	// GetBalance returns the balance row of an account.
	GetBalance(ctx context.Context, accountID string) (model.Balance, bool, error)
	// PutBalance writes b iff the stored version equals b.Version-1 (an
	// absent row has version 0). It returns errors.ErrConditionFailed
	// otherwise.
	PutBalance(ctx context.Context, b model.Balance) error
	// PutTransaction appends tx unless a row with the same transaction id
	// exists for the account, in which case the stored row is returned and
	// created is false.
	PutTransaction(ctx context.Context, tx model.Transaction) (stored model.Transaction, created bool, err error)
	// GetTransaction looks a transaction up by id.
	GetTransaction(ctx context.Context, accountID, transactionID string) (model.Transaction, bool, error)
	// DeleteTransaction removes a transaction row. It reports whether a row
	// was deleted.
	DeleteTransaction(ctx context.Context, accountID, transactionID string) (bool, error)
	// QueryTransactions returns up to limit transactions of an account in
	// chronological order, starting after startKey (a sort key returned as
	// Page.NextKey by a previous call; empty for the first page).
	QueryTransactions(ctx context.Context, accountID string, limit int, startKey string) (model.Page, error)
	// ListAccounts returns the ids of all accounts that have a balance row.
	// A store may also list an account whose first balance write failed.
	ListAccounts(ctx context.Context) ([]string, error)
}

// Store is implemented by backends that hold both locks and the ledger.
type Store interface {
	LockStore
	LedgerStore
}

// DefaultPageSize is used when QueryTransactions is called with limit <= 0.
const DefaultPageSize = 100

// InMemoryStore is a Store backed by maps. It is safe for concurrent use and
// serves single-process deployments and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	locks    map[string]model.Lock
	balances map[string]model.Balance
	// txs maps account id to transaction id to row.
	txs map[string]map[string]model.Transaction
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		locks:    make(map[string]model.Lock),
		balances: make(map[string]model.Balance),
		txs:      make(map[string]map[string]model.Transaction),
	}
}

// GetLock implements LockStore.GetLock.
func (s *InMemoryStore) GetLock(ctx context.Context, accountID string) (model.Lock, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return model.Lock{}, false, err
	}
	s.mu.RLock()
	l, ok := s.locks[accountID]
	s.mu.RUnlock()
	return l, ok, nil
}

// PutLockIfAvailable implements LockStore.PutLockIfAvailable.
func (s *InMemoryStore) PutLockIfAvailable(ctx context.Context, l model.Lock, now time.Time) (*model.Lock, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.locks[l.AccountID]
	var prev *model.Lock
	if exists {
		prev = &cur
		if !cur.Expired(now) {
			return prev, false, nil
		}
	}
	s.locks[l.AccountID] = l
	return prev, true, nil
}

// DeleteLockIfOwner implements LockStore.DeleteLockIfOwner.
func (s *InMemoryStore) DeleteLockIfOwner(ctx context.Context, accountID, lockID string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.locks[accountID]
	if !ok || cur.LockID != lockID {
		return false, nil
	}
	delete(s.locks, accountID)
	return true, nil
}

// GetBalance implements LedgerStore.GetBalance.
func (s *InMemoryStore) GetBalance(ctx context.Context, accountID string) (model.Balance, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return model.Balance{}, false, err
	}
	s.mu.RLock()
	b, ok := s.balances[accountID]
	s.mu.RUnlock()
	return b, ok, nil
}

// PutBalance implements LedgerStore.PutBalance.
func (s *InMemoryStore) PutBalance(ctx context.Context, b model.Balance) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.balances[b.AccountID]
	if cur.Version != b.Version-1 {
		return conditionFailed
	}
	s.balances[b.AccountID] = b
	return nil
}

// PutTransaction implements LedgerStore.PutTransaction.
func (s *InMemoryStore) PutTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return model.Transaction{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.txs[tx.AccountID]
	if rows == nil {
		rows = make(map[string]model.Transaction)
		s.txs[tx.AccountID] = rows
	}
	if cur, ok := rows[tx.TransactionID]; ok {
		return cur, false, nil
	}
	rows[tx.TransactionID] = tx
	return tx, true, nil
}

// GetTransaction implements LedgerStore.GetTransaction.
func (s *InMemoryStore) GetTransaction(ctx context.Context, accountID, transactionID string) (model.Transaction, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return model.Transaction{}, false, err
	}
	s.mu.RLock()
	tx, ok := s.txs[accountID][transactionID]
	s.mu.RUnlock()
	return tx, ok, nil
}

// DeleteTransaction implements LedgerStore.DeleteTransaction.
func (s *InMemoryStore) DeleteTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.txs[accountID]
	if _, ok := rows[transactionID]; !ok {
		return false, nil
	}
	delete(rows, transactionID)
	return true, nil
}

// QueryTransactions implements LedgerStore.QueryTransactions.
func (s *InMemoryStore) QueryTransactions(ctx context.Context, accountID string, limit int, startKey string) (model.Page, error) {
	if err := ctxErr(ctx); err != nil {
		return model.Page{}, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	s.mu.RLock()
	rows := make([]model.Transaction, 0, len(s.txs[accountID]))
	for _, tx := range s.txs[accountID] {
		if startKey == "" || tx.SortKey() > startKey {
			rows = append(rows, tx)
		}
	}
	s.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool { return rows[i].SortKey() < rows[j].SortKey() })
	return pageOf(rows, limit), nil
}

// ListAccounts implements LedgerStore.ListAccounts.
func (s *InMemoryStore) ListAccounts(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// pageOf cuts sorted rows to limit, setting NextKey only when more rows
// follow.
func pageOf(rows []model.Transaction, limit int) model.Page {
	if len(rows) <= limit {
		return model.Page{Items: rows}
	}
	rows = rows[:limit]
	return model.Page{Items: rows, NextKey: rows[len(rows)-1].SortKey()}
}
