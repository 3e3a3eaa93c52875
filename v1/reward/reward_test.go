package reward

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/adapter"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewards.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newService(t *testing.T, c *clock) (*Service, *ledger.Ledger) {
	t.Helper()
	store := adapter.NewInMemoryStore()
	l := ledger.New(store, ledger.WithClock(c.Now))
	phrases := Phrases{
		Amounts:       map[string]decimal.Decimal{"gong xi fa cai": d("88.88")},
		DefaultAmount: d("8.88"),
	}
	return NewService(lock.NewManager(store), l, phrases, WithClock(c.Now)), l
}

func TestLoadPhrases(t *testing.T) {
	path := writeFile(t, `{"phrases": {"gong xi fa cai": "88.88", "bad": "0"}, "default_amount": 1.5}`)
	p := LoadPhrases(path, nil)
	if got := p.Amounts["gong xi fa cai"]; !got.Equal(d("88.88")) {
		t.Fatalf("expected 88.88, got %s", got)
	}
	if _, ok := p.Amounts["bad"]; ok {
		t.Fatal("non-positive amount must be dropped")
	}
	if !p.DefaultAmount.Equal(d("1.5")) {
		t.Fatalf("expected default 1.5, got %s", p.DefaultAmount)
	}
}

func TestLoadPhrasesTolerant(t *testing.T) {
	for name, path := range map[string]string{
		"missing":   filepath.Join(t.TempDir(), "absent.json"),
		"malformed": writeFile(t, `{"phrases": [`),
	} {
		p := LoadPhrases(path, nil)
		if len(p.Amounts) != 0 {
			t.Fatalf("%s: expected empty table, got %v", name, p.Amounts)
		}
		if !p.DefaultAmount.Equal(DefaultAmount) {
			t.Fatalf("%s: expected built-in default, got %s", name, p.DefaultAmount)
		}
	}
}

func TestPrivilegedClaimOncePerDay(t *testing.T) {
	c := &clock{t: time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)}
	svc, _ := newService(t, c)
	ctx := context.Background()

	claim, err := svc.ClaimReward(ctx, "alice", "gong xi fa cai")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claim.Privileged || !claim.Balance.CurrentBalance.Equal(d("88.88")) {
		t.Fatalf("unexpected claim %+v", claim)
	}

	c.t = c.t.Add(time.Hour)
	_, err = svc.ClaimReward(ctx, "alice", "gong xi fa cai")
	var aerr *ledgererrors.AlreadyClaimedTodayError
	if !errors.As(err, &aerr) || aerr.TransactionID != claim.Transaction.TransactionID {
		t.Fatalf("expected AlreadyClaimedToday, got %v", err)
	}
	if _, err := svc.ClaimReward(ctx, "alice", "anything"); !errors.Is(err, ledgererrors.ErrAlreadyClaimedToday) {
		t.Fatalf("default claim after privileged claim must be rejected too, got %v", err)
	}

	c.t = time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	if _, err := svc.ClaimReward(ctx, "alice", "gong xi fa cai"); err != nil {
		t.Fatalf("claim on the next UTC day: %v", err)
	}
}

func TestDefaultClaimDoesNotBlockPrivilegedClaim(t *testing.T) {
	c := &clock{t: time.Date(2026, 2, 17, 8, 0, 0, 0, time.UTC)}
	svc, l := newService(t, c)
	ctx := context.Background()

	claim, err := svc.ClaimReward(ctx, "alice", "happy new year")
	if err != nil {
		t.Fatalf("default claim: %v", err)
	}
	if claim.Privileged || !claim.Transaction.Amount.Equal(d("8.88")) {
		t.Fatalf("unexpected default claim %+v", claim)
	}
	c.t = c.t.Add(time.Minute)
	if _, err := svc.ClaimReward(ctx, "alice", "gong xi fa cai"); err != nil {
		t.Fatalf("privileged claim after default claim: %v", err)
	}
	bal, err := l.GetBalance(ctx, "alice")
	if err != nil || !bal.CurrentBalance.Equal(d("97.76")) {
		t.Fatalf("expected 97.76, got %v err=%v", bal.CurrentBalance, err)
	}
}
