// Command ledger-stress hammers a ledger backend with concurrent deposits and
// withdrawals and checks that every final balance equals the sum of the
// operations that succeeded.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/account"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/config"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/limits"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/presets"
)

var (
	accounts = flag.Int("accounts", 8, "Number of accounts")
	workers  = flag.Int("workers", 32, "Number of concurrent goroutines")
	ops      = flag.Int("ops", 200, "Operations per worker")
	retries  = flag.Int("retries", 50, "Attempts per operation under lock contention")
	prefix   = flag.String("prefix", fmt.Sprintf("stress-%d-", time.Now().Unix()), "Account id prefix")
)

type tally struct {
	mu       sync.Mutex
	expected map[string]decimal.Decimal
	ok       int
	rejected int
	gaveUp   int
}

func (t *tally) add(acct string, delta decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected[acct] = t.expected[acct].Add(delta)
	t.ok++
}

func main() {
	flag.Parse()
	cfg := config.Load(nil)
	logger := config.NewLogger(cfg.Env, os.Stderr)
	// Daily limits would turn most operations into rejections.
	cfg.Limits = limits.Limits{}

	ctx := context.Background()
	p, err := presets.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("platform setup failed", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	t := &tally{expected: make(map[string]decimal.Decimal)}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		rng := rand.New(rand.NewSource(int64(w) + 1))
		g.Go(func() error {
			for i := 0; i < *ops; i++ {
				acct := fmt.Sprintf("%s%d", *prefix, rng.Intn(*accounts))
				amt := decimal.New(int64(rng.Intn(10000)+1), -2)
				if err := run(gctx, p.Accounts, t, acct, amt, rng.Intn(3) == 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("stress run aborted", "error", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	failed := false
	for i := 0; i < *accounts; i++ {
		acct := fmt.Sprintf("%s%d", *prefix, i)
		want := t.expected[acct]
		b, err := p.Ledger.CurrentBalance(ctx, acct)
		if err != nil {
			logger.Error("read balance", "account_id", acct, "error", err)
			os.Exit(1)
		}
		sum, err := p.Ledger.ComputeBalance(ctx, acct)
		if err != nil {
			logger.Error("replay ledger", "account_id", acct, "error", err)
			os.Exit(1)
		}
		if !b.CurrentBalance.Equal(want) || !sum.Equal(want) {
			failed = true
			logger.Error("balance mismatch", "account_id", acct,
				"expected", want.String(), "balance", b.CurrentBalance.String(), "ledger", sum.String())
		}
	}
	logger.Info("stress run finished",
		"elapsed", elapsed,
		"committed", t.ok,
		"insufficient", t.rejected,
		"gave_up", t.gaveUp,
		"ops_per_sec", float64(t.ok)/elapsed.Seconds(),
	)
	if failed {
		os.Exit(1)
	}
}

// run commits one operation, retrying while the account lock is busy.
// Business rejections are counted, store failures abort the run.
func run(ctx context.Context, svc *account.Service, t *tally, acct string, amt decimal.Decimal, withdraw bool) error {
	req := account.Request{AccountID: acct, Amount: amt}
	backoff := time.Millisecond
	for attempt := 0; attempt < *retries; attempt++ {
		var (
			res account.Result
			err error
		)
		if withdraw {
			res, err = svc.Withdraw(ctx, req)
		} else {
			res, err = svc.Deposit(ctx, req)
		}
		switch {
		case err == nil:
			delta := res.Transaction.Amount
			if res.Transaction.Type == model.Withdraw {
				delta = delta.Neg()
			}
			t.add(acct, delta)
			return nil
		case errors.Is(err, ledgererrors.ErrInsufficientBalance):
			t.mu.Lock()
			t.rejected++
			t.mu.Unlock()
			return nil
		case errors.Is(err, ledgererrors.ErrLockAcquisition):
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 50*time.Millisecond {
				backoff *= 2
			}
		default:
			return err
		}
	}
	t.mu.Lock()
	t.gaveUp++
	t.mu.Unlock()
	return nil
}
