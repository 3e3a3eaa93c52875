package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/account"
)

type moneyFlags struct {
	account string
	amount  string
	desc    string
	id      string
}

func (m *moneyFlags) set(f *flag.FlagSet) {
	f.StringVar(&m.account, "account", "", "Account identifier.")
	f.StringVar(&m.amount, "amount", "", "Amount, a positive decimal.")
	f.StringVar(&m.desc, "desc", "", "Free text description stored with the transaction.")
	f.StringVar(&m.id, "id", "", "Transaction id. Reusing an id replays the earlier result instead of applying it twice.")
}

func (m *moneyFlags) request() (account.Request, error) {
	if m.account == "" {
		return account.Request{}, fmt.Errorf("-account is required")
	}
	amt, err := parseAmount(m.amount)
	if err != nil {
		return account.Request{}, err
	}
	return account.Request{AccountID: m.account, Amount: amt, Description: m.desc, TransactionID: m.id}, nil
}

type depositCmd struct{ moneyFlags }

func (*depositCmd) Name() string     { return "deposit" }
func (*depositCmd) Synopsis() string { return "credit an amount to an account" }
func (*depositCmd) Usage() string {
	return `ledgerctl deposit -account <id> -amount <decimal> [-desc <text>] [-id <txn id>]

  Checks the daily deposit limit, takes the account lock and commits a
  DEPOSIT transaction.
`
}
func (c *depositCmd) SetFlags(f *flag.FlagSet) { c.set(f) }

func (c *depositCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return runMoney(ctx, &c.moneyFlags, (*account.Service).Deposit)
}

type withdrawCmd struct{ moneyFlags }

func (*withdrawCmd) Name() string     { return "withdraw" }
func (*withdrawCmd) Synopsis() string { return "debit an amount from an account" }
func (*withdrawCmd) Usage() string {
	return `ledgerctl withdraw -account <id> -amount <decimal> [-desc <text>] [-id <txn id>]

  Checks the daily withdraw limit, takes the account lock, verifies the
  balance covers the amount and commits a WITHDRAW transaction.
`
}
func (c *withdrawCmd) SetFlags(f *flag.FlagSet) { c.set(f) }

func (c *withdrawCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return runMoney(ctx, &c.moneyFlags, (*account.Service).Withdraw)
}

func runMoney(ctx context.Context, m *moneyFlags, op func(*account.Service, context.Context, account.Request) (account.Result, error)) subcommands.ExitStatus {
	req, err := m.request()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	p, _, err := openPlatform(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.Close()

	res, err := op(p.Accounts, ctx, req)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("%s %s %s -> balance %s\n",
		res.Transaction.TransactionID, res.Transaction.Type,
		formatAmount(res.Transaction.Amount), formatAmount(res.Balance.CurrentBalance))
	return subcommands.ExitSuccess
}

type claimCmd struct {
	account string
	phrase  string
}

func (*claimCmd) Name() string     { return "claim" }
func (*claimCmd) Synopsis() string { return "claim today's lunar new year reward" }
func (*claimCmd) Usage() string {
	return `ledgerctl claim -account <id> -phrase <text>

  A phrase from the reward table pays its configured amount once per UTC
  day. Any other phrase pays the default amount.
`
}

func (c *claimCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account identifier.")
	f.StringVar(&c.phrase, "phrase", "", "Greeting phrase.")
}

func (c *claimCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.account == "" {
		fmt.Fprintln(os.Stderr, "-account is required")
		return subcommands.ExitUsageError
	}
	p, _, err := openPlatform(ctx)
	if err != nil {
		return fail(err)
	}
	defer p.Close()

	claim, err := p.Rewards.ClaimReward(ctx, c.account, c.phrase)
	if err != nil {
		return fail(err)
	}
	kind := "default"
	if claim.Privileged {
		kind = "privileged"
	}
	fmt.Printf("%s reward %s credited, balance %s\n",
		kind, formatAmount(claim.Transaction.Amount), formatAmount(claim.Balance.CurrentBalance))
	return subcommands.ExitSuccess
}
