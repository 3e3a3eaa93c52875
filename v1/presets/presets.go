// Package presets wires stores, buses and services into a ready Platform
// for the supported backends.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/account"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/adapter"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/config"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/ledger"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/limits"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/lock"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/reward"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/syncbus"
	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 10 * time.Second
)

// Options tunes the services of a Platform. Zero values pick defaults.
type Options struct {
	Logger      *slog.Logger
	LockTimeout time.Duration
	Limits      limits.Limits
	Phrases     reward.Phrases
	// Bus overrides the lock notification bus of the preset.
	Bus syncbus.Bus
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Platform is a fully wired set of lock manager, ledger and services.
type Platform struct {
	Store     adapter.Store
	Bus       syncbus.Bus
	Events    watchbus.WatchBus
	Locks     *lock.Manager
	Ledger    *ledger.Ledger
	Validator *limits.Validator
	Accounts  *account.Service
	Rewards   *reward.Service

	closers []func() error
}

// Close releases connections opened by the preset.
func (p *Platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func build(store adapter.Store, bus syncbus.Bus, events watchbus.WatchBus, o Options) *Platform {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.Bus != nil {
		bus = o.Bus
	}
	lim := o.Limits
	if lim == nil {
		lim = limits.Defaults()
	}
	phrases := o.Phrases
	if !phrases.DefaultAmount.IsPositive() {
		phrases.DefaultAmount = reward.DefaultAmount
	}
	lockOpts := []lock.Option{lock.WithLogger(logger)}
	if bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(bus))
	}
	if o.LockTimeout > 0 {
		lockOpts = append(lockOpts, lock.WithDefaultTimeout(o.LockTimeout))
	}
	locks := lock.NewManager(store, lockOpts...)
	l := ledger.New(store, ledger.WithLogger(logger), ledger.WithEvents(events))
	v := limits.NewValidator(l, lim)
	return &Platform{
		Store:     store,
		Bus:       bus,
		Events:    events,
		Locks:     locks,
		Ledger:    l,
		Validator: v,
		Accounts:  account.NewService(locks, l, v, account.WithLogger(logger)),
		Rewards:   reward.NewService(locks, l, phrases, reward.WithLogger(logger)),
	}
}

// NewInMemoryStandalone returns a Platform that runs entirely in memory
// with no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(o Options) *Platform {
	return build(adapter.NewInMemoryStore(), syncbus.NewInMemoryBus(), watchbus.NewInMemory(), o)
}

// NewRedis returns a Platform using Redis as store, lock notification bus
// and ledger event stream.
func NewRedis(opts RedisOptions, o Options) *Platform {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewRedisBus(client, "")
	p := build(
		adapter.NewRedisStore(client),
		syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerCooldown),
		watchbus.NewRedisWatchBus(client, watchbus.DefaultStreamMaxLen),
		o,
	)
	p.closers = append(p.closers, client.Close, bus.Close)
	return p
}

// DynamoOptions configures the DynamoDB table.
type DynamoOptions = adapter.DynamoConfig

// NewDynamoDB returns a Platform storing locks and the ledger in a DynamoDB
// table. Lock notifications stay in process unless o.Bus is set.
func NewDynamoDB(ctx context.Context, opts DynamoOptions, o Options) (*Platform, error) {
	store, err := adapter.NewDynamoStoreFromConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	return build(store, syncbus.NewInMemoryBus(), watchbus.NewInMemory(), o), nil
}

// FromConfig builds the Platform selected by cfg.Backend. NATS or Kafka,
// when configured, carry the lock notifications instead of the backend's
// own bus.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Platform, error) {
	o := Options{
		Logger:      logger,
		LockTimeout: cfg.LockTimeout,
		Limits:      cfg.Limits,
		Phrases:     reward.LoadPhrases(cfg.RewardPhrasesFile, logger),
	}
	var closers []func() error
	switch {
	case cfg.NATSURL != "":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		o.Bus = syncbus.NewCircuitBreaker(syncbus.NewNATSBus(nc), breakerThreshold, breakerCooldown)
		closers = append(closers, func() error { nc.Close(); return nil })
	case len(cfg.KafkaBrokers) > 0:
		kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, "", nil)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		o.Bus = syncbus.NewCircuitBreaker(kb, breakerThreshold, breakerCooldown)
		closers = append(closers, func() error { kb.Close(); return nil })
	}

	var (
		p   *Platform
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		p = NewInMemoryStandalone(o)
	case config.BackendRedis:
		p = NewRedis(RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, o)
	case config.BackendDynamoDB:
		p, err = NewDynamoDB(ctx, DynamoOptions{Region: cfg.AWSRegion, TableName: cfg.DynamoTable, Endpoint: cfg.DynamoEndpoint}, o)
	default:
		err = fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	p.closers = append(closers, p.closers...)
	return p, nil
}
