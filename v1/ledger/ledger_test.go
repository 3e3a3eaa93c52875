package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/adapter"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/metrics"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/syncbus"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/watchbus"
)

// faultyStore fails selected ledger writes of an InMemoryStore.
type faultyStore struct {
	*adapter.InMemoryStore
	balanceErr error
	deleteErr  error
}

func (s *faultyStore) PutBalance(ctx context.Context, b model.Balance) error {
	if s.balanceErr != nil {
		return s.balanceErr
	}
	return s.InMemoryStore.PutBalance(ctx, b)
}

func (s *faultyStore) DeleteTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	return s.InMemoryStore.DeleteTransaction(ctx, accountID, transactionID)
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tx(account string, typ model.TransactionType, amt string) model.Transaction {
	return model.Transaction{AccountID: account, Type: typ, Amount: amount(amt)}
}

func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestDepositThenWithdraw(t *testing.T) {
	l := New(adapter.NewInMemoryStore(), WithClock(stepClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	if _, bal, err := l.Commit(ctx, tx("alice", model.Deposit, "1000")); err != nil || !bal.CurrentBalance.Equal(amount("1000")) {
		t.Fatalf("deposit: balance=%v err=%v", bal.CurrentBalance, err)
	}
	_, bal, err := l.Commit(ctx, tx("alice", model.Withdraw, "300"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !bal.CurrentBalance.Equal(amount("700")) {
		t.Fatalf("expected 700, got %s", bal.CurrentBalance)
	}
	if bal.Version != 2 {
		t.Fatalf("expected version 2, got %d", bal.Version)
	}

	page, err := l.GetUserTransactions(ctx, "alice", 10, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 2 || page.NextKey != "" {
		t.Fatalf("expected 2 rows on one page, got %d next=%q", len(page.Items), page.NextKey)
	}
	if page.Items[0].Type != model.Deposit || page.Items[1].Type != model.Withdraw {
		t.Fatalf("expected chronological order, got %s then %s", page.Items[0].Type, page.Items[1].Type)
	}
	for _, row := range page.Items {
		if row.Status != model.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", row.Status)
		}
	}
}

func TestCreateTransactionAssignsDefaults(t *testing.T) {
	l := New(adapter.NewInMemoryStore(), WithIDGenerator(func() string { return "1" }))
	stored, created, err := l.CreateTransaction(context.Background(), tx("alice", model.Deposit, "5"))
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if stored.TransactionID != "txn_1" || stored.Status != model.StatusCompleted || stored.CreatedAt.IsZero() {
		t.Fatalf("defaults not applied: %+v", stored)
	}
}

func TestCreateTransactionRejectsNonPositiveAmount(t *testing.T) {
	l := New(adapter.NewInMemoryStore())
	for _, amt := range []string{"0", "-1"} {
		_, _, err := l.CreateTransaction(context.Background(), tx("alice", model.Deposit, amt))
		if !errors.Is(err, ledgererrors.ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestCommitReplayIsIdempotent(t *testing.T) {
	l := New(adapter.NewInMemoryStore())
	ctx := context.Background()
	in := tx("alice", model.Deposit, "50")
	in.TransactionID = "txn_fixed"
	if _, _, err := l.Commit(ctx, in); err != nil {
		t.Fatalf("commit: %v", err)
	}
	stored, bal, err := l.Commit(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if stored.TransactionID != "txn_fixed" || !bal.CurrentBalance.Equal(amount("50")) {
		t.Fatalf("replay applied twice: balance=%s", bal.CurrentBalance)
	}
}

func TestCommitPendingDoesNotMoveBalance(t *testing.T) {
	l := New(adapter.NewInMemoryStore())
	ctx := context.Background()
	in := tx("alice", model.Deposit, "50")
	in.Status = model.StatusPending
	stored, bal, err := l.Commit(ctx, in)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stored.Status != model.StatusPending || !bal.CurrentBalance.IsZero() {
		t.Fatalf("pending row moved balance: %+v %s", stored, bal.CurrentBalance)
	}
}

func TestCommitCompensatesFailedBalanceUpdate(t *testing.T) {
	store := &faultyStore{InMemoryStore: adapter.NewInMemoryStore(), balanceErr: ledgererrors.ErrTimeout}
	events := watchbus.NewInMemory()
	l := New(store, WithEvents(events))
	ctx := context.Background()

	ch, err := events.Watch(ctx, EventKey("alice"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	_, _, err = l.Commit(ctx, tx("alice", model.Deposit, "10"))
	if !errors.Is(err, ledgererrors.ErrDatabaseOperation) {
		t.Fatalf("expected database operation error, got %v", err)
	}
	if !errors.Is(err, ledgererrors.ErrTimeout) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	page, err := l.GetUserTransactions(ctx, "alice", 0, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("orphan transaction left behind: %+v", page.Items)
	}

	select {
	case data := <-ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind != EventCompensated {
			t.Fatalf("expected compensated event, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no compensation event")
	}
}

func TestCommitCompensationFailureIsCounted(t *testing.T) {
	store := &faultyStore{
		InMemoryStore: adapter.NewInMemoryStore(),
		balanceErr:    ledgererrors.ErrTimeout,
		deleteErr:     ledgererrors.ErrConnectionClosed,
	}
	l := New(store)
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.CompensationFailureCounter)

	_, _, err := l.Commit(ctx, tx("alice", model.Deposit, "10"))
	if !errors.Is(err, ledgererrors.ErrTimeout) {
		t.Fatalf("balance error must be returned, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.CompensationFailureCounter) - before; got != 1 {
		t.Fatalf("expected one compensation failure, got %v", got)
	}
	page, _ := l.GetUserTransactions(ctx, "alice", 0, "")
	if len(page.Items) != 1 {
		t.Fatalf("expected the orphan row to remain, got %d rows", len(page.Items))
	}
	sum, err := l.ComputeBalance(ctx, "alice")
	if err != nil || !sum.Equal(amount("10")) {
		t.Fatalf("computed balance should include the orphan: %s %v", sum, err)
	}
}

func TestReplayAppliesTransactionLeftByFailedCommit(t *testing.T) {
	store := &faultyStore{
		InMemoryStore: adapter.NewInMemoryStore(),
		balanceErr:    ledgererrors.ErrTimeout,
		deleteErr:     ledgererrors.ErrConnectionClosed,
	}
	l := New(store)
	ctx := context.Background()
	in := tx("alice", model.Deposit, "100")
	in.TransactionID = "t1"

	if _, _, err := l.Commit(ctx, in); !errors.Is(err, ledgererrors.ErrDatabaseOperation) {
		t.Fatalf("expected failed commit, got %v", err)
	}
	store.balanceErr, store.deleteErr = nil, nil

	before := testutil.ToFloat64(metrics.LedgerCommitCounter.WithLabelValues(string(model.Deposit), "recovered"))
	stored, bal, err := l.Commit(ctx, in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if stored.TransactionID != "t1" || !bal.CurrentBalance.Equal(amount("100")) {
		t.Fatalf("retry must apply the stored row, got %s balance=%s", stored.TransactionID, bal.CurrentBalance)
	}
	if got := testutil.ToFloat64(metrics.LedgerCommitCounter.WithLabelValues(string(model.Deposit), "recovered")) - before; got != 1 {
		t.Fatalf("expected one recovered commit, got %v", got)
	}
	sum, err := l.ComputeBalance(ctx, "alice")
	if err != nil || !sum.Equal(bal.CurrentBalance) {
		t.Fatalf("ledger sum %s differs from balance %s (%v)", sum, bal.CurrentBalance, err)
	}

	// A further retry is a plain replay.
	if _, bal, err = l.Commit(ctx, in); err != nil || !bal.CurrentBalance.Equal(amount("100")) {
		t.Fatalf("second retry: balance=%s err=%v", bal.CurrentBalance, err)
	}
}

func TestReplayOnUnsettledAccountFails(t *testing.T) {
	store := &faultyStore{InMemoryStore: adapter.NewInMemoryStore()}
	l := New(store, WithClock(stepClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))))
	ctx := context.Background()
	if _, _, err := l.Commit(ctx, tx("alice", model.Deposit, "50")); err != nil {
		t.Fatalf("commit: %v", err)
	}

	store.balanceErr = ledgererrors.ErrTimeout
	store.deleteErr = ledgererrors.ErrConnectionClosed
	first := tx("alice", model.Deposit, "100")
	first.TransactionID = "t1"
	second := tx("alice", model.Deposit, "100")
	second.TransactionID = "t2"
	for _, in := range []model.Transaction{first, second} {
		if _, _, err := l.Commit(ctx, in); err == nil {
			t.Fatalf("commit %s should fail", in.TransactionID)
		}
	}
	store.balanceErr, store.deleteErr = nil, nil

	_, _, err := l.Commit(ctx, first)
	if !errors.Is(err, ErrUnsettled) || !errors.Is(err, ledgererrors.ErrDatabaseOperation) {
		t.Fatalf("expected unsettled database error, got %v", err)
	}
	if ledgererrors.HTTPStatus(err) != 503 {
		t.Fatalf("unsettled replay must be retryable, got %d", ledgererrors.HTTPStatus(err))
	}
	bal, _ := l.CurrentBalance(ctx, "alice")
	if !bal.CurrentBalance.Equal(amount("50")) {
		t.Fatalf("balance must be left alone, got %s", bal.CurrentBalance)
	}
}

func TestCommitPublishesEvent(t *testing.T) {
	events := watchbus.NewInMemory()
	l := New(adapter.NewInMemoryStore(), WithEvents(events))
	ctx := context.Background()
	ch, err := events.Watch(ctx, EventKey("alice"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, _, err := l.Commit(ctx, tx("alice", model.Deposit, "3.50")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	select {
	case data := <-ch:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Kind != EventCommitted || ev.Balance == nil || !ev.Balance.CurrentBalance.Equal(amount("3.5")) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestGetBalanceNotFound(t *testing.T) {
	l := New(adapter.NewInMemoryStore())
	if _, err := l.GetBalance(context.Background(), "ghost"); !errors.Is(err, ledgererrors.ErrEntityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := l.GetTransaction(context.Background(), "ghost", "txn_x"); !errors.Is(err, ledgererrors.ErrEntityNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPaginationFollowsNextKey(t *testing.T) {
	l := New(adapter.NewInMemoryStore(), WithClock(stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if _, _, err := l.Commit(ctx, tx("alice", model.Deposit, "1")); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	var got []model.Transaction
	key := ""
	for {
		page, err := l.GetUserTransactions(ctx, "alice", 3, key)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		got = append(got, page.Items...)
		if page.NextKey == "" {
			break
		}
		key = page.NextKey
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 rows, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].SortKey() <= got[i-1].SortKey() {
			t.Fatalf("rows out of order at %d", i)
		}
	}
}

// TestConcurrentCommitsUnderLock interleaves deposits and withdrawals on
// several accounts and checks every final balance against the expected sum.
func TestConcurrentCommitsUnderLock(t *testing.T) {
	store := adapter.NewInMemoryStore()
	l := New(store)
	m := lock.NewManager(store, lock.WithBus(syncbus.NewInMemoryBus()), lock.WithMaxWait(5*time.Millisecond))
	ctx := context.Background()

	accounts := []string{"alice", "bob", "carol"}
	const deposits, withdrawals = 20, 15
	expected := make(map[string]decimal.Decimal)
	type op struct {
		account string
		tx      model.Transaction
	}
	var ops []op
	for _, acct := range accounts {
		expected[acct] = decimal.Zero
		for i := 0; i < deposits; i++ {
			amt := fmt.Sprintf("%d.25", i+10)
			ops = append(ops, op{acct, tx(acct, model.Deposit, amt)})
			expected[acct] = expected[acct].Add(amount(amt))
		}
		for i := 0; i < withdrawals; i++ {
			amt := fmt.Sprintf("%d", i+1)
			ops = append(ops, op{acct, tx(acct, model.Withdraw, amt)})
			expected[acct] = expected[acct].Sub(amount(amt))
		}
	}
	rand.New(rand.NewSource(1)).Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })

	var wg sync.WaitGroup
	errs := make(chan error, len(ops))
	for _, o := range ops {
		wg.Add(1)
		go func(o op) {
			defer wg.Done()
			id, err := m.AcquireWait(ctx, o.account, string(o.tx.Type), time.Minute)
			if err != nil {
				errs <- err
				return
			}
			defer m.Release(ctx, o.account, id)
			if _, _, err := l.Commit(ctx, o.tx); err != nil {
				errs <- err
			}
		}(o)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("operation failed: %v", err)
	}

	for _, acct := range accounts {
		bal, err := l.GetBalance(ctx, acct)
		if err != nil {
			t.Fatalf("balance %s: %v", acct, err)
		}
		if !bal.CurrentBalance.Equal(expected[acct]) {
			t.Fatalf("%s: expected %s, got %s", acct, expected[acct], bal.CurrentBalance)
		}
		if bal.Version != deposits+withdrawals {
			t.Fatalf("%s: expected version %d, got %d", acct, deposits+withdrawals, bal.Version)
		}
	}
}

func TestOverwriteBalance(t *testing.T) {
	l := New(adapter.NewInMemoryStore())
	ctx := context.Background()
	if _, _, err := l.Commit(ctx, tx("alice", model.Deposit, "10")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b, err := l.OverwriteBalance(ctx, "alice", amount("4"))
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if b.Version != 2 || !b.CurrentBalance.Equal(amount("4")) {
		t.Fatalf("unexpected balance %+v", b)
	}
	ids, err := l.ListAccounts(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "alice" {
		t.Fatalf("list accounts: %v %v", ids, err)
	}
}
