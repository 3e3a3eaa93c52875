package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	money "github.com/Rhymond/go-money"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/config"
	ledgererrors "github.com/yifeng2019uwb/cloud-native-order-processor/v1/errors"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/presets"
)

// as a CLI application, it has a very short lived lifecycle, so it is ok to use global variables.

var currency = flag.String("currency", "USD", "ISO 4217 code used to display amounts")

// openPlatform loads the configuration and wires the selected backend.
func openPlatform(ctx context.Context) (*presets.Platform, *slog.Logger, error) {
	boot := config.NewLogger(os.Getenv("APP_ENV"), os.Stderr)
	cfg := config.Load(boot)
	logger := config.NewLogger(cfg.Env, os.Stderr)
	slog.SetDefault(logger)
	p, err := presets.FromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, logger, nil
}

// fail prints err with its status class and returns ExitFailure.
func fail(err error) subcommands.ExitStatus {
	var lerr *ledgererrors.DailyLimitExceededError
	if errors.As(err, &lerr) {
		fmt.Fprintf(os.Stderr, "%v (remaining today: %s)\n", err, formatAmount(lerr.Remaining()))
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "error [%d]: %v\n", ledgererrors.HTTPStatus(err), err)
	return subcommands.ExitFailure
}

// formatAmount renders d in the display currency.
func formatAmount(d decimal.Decimal) string {
	cur := money.New(0, *currency).Currency()
	minor := d.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, *currency).Display()
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("-amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}
