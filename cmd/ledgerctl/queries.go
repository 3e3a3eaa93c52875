package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/olekukonko/tablewriter"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/validator"
)

type balanceCmd struct{ account string }

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "print the current balance of an account" }
func (*balanceCmd) Usage() string    { return "ledgerctl balance -account <id>\n" }
func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account identifier.")
}

func (c *balanceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	p, _, err := openPlatform(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.Close()
	b, err := p.Ledger.GetBalance(ctx, c.account)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%s %s (version %d, updated %s)\n",
		b.AccountID, formatAmount(b.CurrentBalance), b.Version, b.UpdatedAt.Format(time.RFC3339))
	return subcommands.ExitSuccess
}

type historyCmd struct {
	account string
	limit   int
	start   string
	all     bool
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list the transactions of an account, oldest first" }
func (*historyCmd) Usage() string {
	return `ledgerctl history -account <id> [-limit n] [-start <key>] [-all]

  Prints one page of the ledger. The key to pass as -start for the next page
  is printed below the table.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account identifier.")
	f.IntVar(&c.limit, "limit", 20, "Page size.")
	f.StringVar(&c.start, "start", "", "Continue after this key.")
	f.BoolVar(&c.all, "all", false, "Follow pagination to the end.")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	p, _, err := openPlatform(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Created", "Transaction", "Type", "Status", "Amount", "Description"})
	key := c.start
	for {
		page, err := p.Ledger.GetUserTransactions(ctx, c.account, c.limit, key)
		if err != nil {
			return fail(err)
		}
		for _, tx := range page.Items {
			table.Append([]string{
				tx.CreatedAt.Format(time.RFC3339),
				tx.TransactionID,
				string(tx.Type),
				string(tx.Status),
				formatAmount(tx.Delta()),
				tx.Description,
			})
		}
		key = page.NextKey
		if key == "" || !c.all {
			break
		}
	}
	table.Render()
	if key != "" {
		fmt.Printf("next: %s\n", key)
	}
	return subcommands.ExitSuccess
}

type lockCmd struct{ account string }

func (*lockCmd) Name() string     { return "lock" }
func (*lockCmd) Synopsis() string { return "show the lock row of an account" }
func (*lockCmd) Usage() string    { return "ledgerctl lock -account <id>\n" }
func (c *lockCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account identifier.")
}

func (c *lockCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	p, _, err := openPlatform(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.Close()
	l, found, err := p.Locks.Inspect(ctx, c.account)
	if err != nil {
		return fail(err)
	}
	if !found {
		fmt.Println("unlocked")
		return subcommands.ExitSuccess
	}
	state := "held"
	if l.Expired(time.Now()) {
		state = "stale"
	}
	fmt.Printf("%s by %s (%s) until %s\n", state, l.LockID, l.Operation, l.ExpiresAt.Format(time.RFC3339))
	return subcommands.ExitSuccess
}

type reconcileCmd struct{ mode string }

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "compare every balance with its ledger" }
func (*reconcileCmd) Usage() string {
	return `ledgerctl reconcile [-mode noop|alert|autoheal]

  Runs one reconciliation scan. autoheal rewrites mismatching balances to
  the sum of their COMPLETED transactions while holding the account lock.
`
}
func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.mode, "mode", "alert", "noop, alert or autoheal.")
}

func (c *reconcileCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mode, ok := validator.ParseMode(c.mode)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", c.mode)
		return subcommands.ExitUsageError
	}
	p, logger, err := openPlatform(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.Close()

	v := validator.New(p.Ledger, p.Locks, mode, time.Minute, validator.WithLogger(logger))
	rep, err := v.Scan(ctx)
	if err != nil {
		return fail(err)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Account", "Stored", "Ledger", "Healed"})
	for _, mm := range rep.Mismatches {
		table.Append([]string{mm.AccountID, formatAmount(mm.Stored), formatAmount(mm.Expected), fmt.Sprint(mm.Healed)})
	}
	table.Render()
	fmt.Printf("%d accounts checked, %d mismatches, %d errors\n", rep.Accounts, len(rep.Mismatches), rep.Errors)
	if rep.Errors > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
