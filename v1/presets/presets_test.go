package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/account"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/config"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
)

func TestNewInMemoryStandalone(t *testing.T) {
	p := NewInMemoryStandalone(Options{})
	defer p.Close()
	ctx := context.Background()

	if _, err := p.Accounts.Deposit(ctx, account.Request{AccountID: "alice", Amount: decimal.NewFromInt(1000)}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	res, err := p.Accounts.Withdraw(ctx, account.Request{AccountID: "alice", Amount: decimal.NewFromInt(300)})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !res.Balance.CurrentBalance.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("expected 700, got %s", res.Balance.CurrentBalance)
	}
	claim, err := p.Rewards.ClaimReward(ctx, "alice", "unknown phrase")
	if err != nil || claim.Privileged {
		t.Fatalf("default claim: %+v %v", claim, err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	p := NewRedis(RedisOptions{Addr: mr.Addr()}, Options{LockTimeout: time.Minute})
	defer p.Close()
	ctx := context.Background()

	events, err := p.Events.Watch(ctx, ledger.EventKey("alice"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := p.Accounts.Deposit(ctx, account.Request{AccountID: "alice", Amount: decimal.NewFromInt(50)}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !mr.Exists("balance:{alice}") {
		t.Fatal("balance not stored in redis")
	}
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no ledger event on the redis stream")
	}

	if _, err := p.Locks.Acquire(ctx, "alice", "order_settlement", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err = p.Accounts.Deposit(ctx, account.Request{AccountID: "alice", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, ledgererrors.ErrLockAcquisition) {
		t.Fatalf("expected contention through redis, got %v", err)
	}
}

func TestFromConfigRejectsUnknownBackend(t *testing.T) {
	_, err := FromConfig(context.Background(), config.Config{Backend: "cassandra"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestFromConfigMemory(t *testing.T) {
	cfg := config.Config{Backend: config.BackendMemory, RewardPhrasesFile: "does-not-exist.json"}
	p, err := FromConfig(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	defer p.Close()
	if p.Locks == nil || p.Ledger == nil || p.Rewards == nil {
		t.Fatal("platform not wired")
	}
}
