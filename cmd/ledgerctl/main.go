// Command ledgerctl operates on account balances from the command line.
// The backend is picked from the environment, see package config.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&depositCmd{}, "transactions")
	commander.Register(&withdrawCmd{}, "transactions")
	commander.Register(&claimCmd{}, "transactions")
	commander.Register(&balanceCmd{}, "queries")
	commander.Register(&historyCmd{}, "queries")
	commander.Register(&lockCmd{}, "queries")
	commander.Register(&reconcileCmd{}, "maintenance")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
