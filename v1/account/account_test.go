package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/adapter"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/limits"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc    *Service
	locks  *lock.Manager
	ledger *ledger.Ledger
}

func newFixture(lim limits.Limits) fixture {
	store := adapter.NewInMemoryStore()
	locks := lock.NewManager(store)
	l := ledger.New(store)
	var v *limits.Validator
	if lim != nil {
		v = limits.NewValidator(l, lim)
	}
	return fixture{svc: NewService(locks, l, v, WithLockTimeout(time.Minute)), locks: locks, ledger: l}
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(limits.Defaults())
	ctx := context.Background()
	if _, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("1000")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := f.svc.Withdraw(ctx, Request{AccountID: "alice", Amount: d("300"), Description: "rent"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.Balance.CurrentBalance.Equal(d("700")) {
		t.Fatalf("expected 700, got %s", res.Balance.CurrentBalance)
	}
	if res.Transaction.Type != model.Withdraw || res.Transaction.Description != "rent" {
		t.Fatalf("unexpected transaction %+v", res.Transaction)
	}
	if _, found, _ := f.locks.Inspect(ctx, "alice"); found {
		t.Fatal("lock left behind after withdraw")
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	if _, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("10")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := f.svc.Withdraw(ctx, Request{AccountID: "alice", Amount: d("10.01")})
	var ierr *ledgererrors.InsufficientBalanceError
	if !errors.As(err, &ierr) || !ierr.Balance.Equal(d("10")) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	page, _ := f.ledger.GetUserTransactions(ctx, "alice", 0, "")
	if len(page.Items) != 1 {
		t.Fatalf("rejected withdrawal must not be appended, got %d rows", len(page.Items))
	}
}

func TestDepositRejectsInvalidAmount(t *testing.T) {
	f := newFixture(nil)
	if _, err := f.svc.Deposit(context.Background(), Request{AccountID: "alice", Amount: d("-5")}); !errors.Is(err, ledgererrors.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestDailyLimitEnforced(t *testing.T) {
	f := newFixture(limits.Limits{model.Deposit: d("100")})
	ctx := context.Background()
	if _, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("60")}); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	_, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("41")})
	if !errors.Is(err, ledgererrors.ErrDailyLimitExceeded) {
		t.Fatalf("expected daily limit error, got %v", err)
	}
	if _, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("40")}); err != nil {
		t.Fatalf("deposit up to the limit: %v", err)
	}
}

func TestContentionSurfacesAsLockError(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	if _, err := f.locks.Acquire(ctx, "alice", "order_settlement", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("1")})
	if !errors.Is(err, ledgererrors.ErrLockAcquisition) {
		t.Fatalf("expected contention, got %v", err)
	}
	if ledgererrors.HTTPStatus(err) != 503 {
		t.Fatalf("contention must map to 503, got %d", ledgererrors.HTTPStatus(err))
	}
}

func TestRetriedRequestIsNotAppliedTwice(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	req := Request{AccountID: "alice", Amount: d("25"), TransactionID: "txn_client_1"}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Deposit(ctx, req); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
	bal, err := f.ledger.GetBalance(ctx, "alice")
	if err != nil || !bal.CurrentBalance.Equal(d("25")) {
		t.Fatalf("expected 25, got %v err=%v", bal.CurrentBalance, err)
	}
}

func TestRetriedWithdrawalSkipsBalanceGuard(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	if _, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("100")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	req := Request{AccountID: "alice", Amount: d("80"), TransactionID: "w1"}
	first, err := f.svc.Withdraw(ctx, req)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	again, err := f.svc.Withdraw(ctx, req)
	if err != nil {
		t.Fatalf("retried withdraw: %v", err)
	}
	if again.Transaction.TransactionID != "w1" || !again.Transaction.CreatedAt.Equal(first.Transaction.CreatedAt) {
		t.Fatalf("retry must return the stored row, got %+v", again.Transaction)
	}
	if !again.Balance.CurrentBalance.Equal(d("20")) {
		t.Fatalf("expected 20 after retry, got %s", again.Balance.CurrentBalance)
	}
	page, _ := f.ledger.GetUserTransactions(ctx, "alice", 0, "")
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page.Items))
	}
}

func TestRetriedDepositAtDailyLimit(t *testing.T) {
	f := newFixture(limits.Limits{model.Deposit: d("100")})
	ctx := context.Background()
	req := Request{AccountID: "alice", Amount: d("100"), TransactionID: "d1"}
	if _, err := f.svc.Deposit(ctx, req); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := f.svc.Deposit(ctx, req)
	if err != nil {
		t.Fatalf("retried deposit: %v", err)
	}
	if !res.Balance.CurrentBalance.Equal(d("100")) {
		t.Fatalf("expected 100 after retry, got %s", res.Balance.CurrentBalance)
	}
	if _, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("1"), TransactionID: "d2"}); !errors.Is(err, ledgererrors.ErrDailyLimitExceeded) {
		t.Fatalf("a new id must still hit the limit, got %v", err)
	}
}

func TestConcurrentDepositsAllOrNothingPerRequest(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deposit(ctx, Request{AccountID: "alice", Amount: d("1")})
			switch {
			case err == nil:
				mu.Lock()
				ok++
				mu.Unlock()
			case errors.Is(err, ledgererrors.ErrLockAcquisition):
			default:
				t.Errorf("deposit: %v", err)
			}
		}()
	}
	wg.Wait()
	bal, err := f.ledger.CurrentBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.CurrentBalance.Equal(decimal.NewFromInt(int64(ok))) {
		t.Fatalf("balance %s does not match %d successful deposits", bal.CurrentBalance, ok)
	}
}
