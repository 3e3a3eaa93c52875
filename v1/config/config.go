// Package config reads the runtime configuration from the environment.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/limits"
)

// Backend selects the store behind locks and the ledger.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendDynamoDB Backend = "dynamodb"
)

// Config is the process configuration read from the environment by Load.
type Config struct {
	Env     string
	Backend Backend

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DynamoTable    string
	DynamoEndpoint string
	AWSRegion      string

	LockTimeout time.Duration
	Limits      limits.Limits

	RewardPhrasesFile string

	NATSURL      string
	KafkaBrokers []string
}

// Load reads Config from the environment. Malformed numbers keep their
// default and are logged with logger.
func Load(logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Config{
		Env:               get("APP_ENV", "dev"),
		Backend:           Backend(strings.ToLower(get("LEDGER_BACKEND", string(BackendMemory)))),
		RedisAddr:         get("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     get("REDIS_PASSWORD", ""),
		RedisDB:           getInt(logger, "REDIS_DB", 0),
		DynamoTable:       get("DYNAMODB_TABLE", "order-processor"),
		DynamoEndpoint:    get("DYNAMODB_ENDPOINT", ""),
		AWSRegion:         get("AWS_REGION", "us-east-1"),
		LockTimeout:       time.Duration(getInt(logger, "LOCK_TIMEOUT_SECONDS", 30)) * time.Second,
		Limits:            limits.LimitsFromEnv(logger),
		RewardPhrasesFile: get("REWARD_PHRASES_FILE", "rewards.json"),
		NATSURL:           get("NATS_URL", ""),
	}
	if brokers := get("KAFKA_BROKERS", ""); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if cfg.LockTimeout <= 0 {
		logger.Warn("ignoring non-positive lock timeout", "env", "LOCK_TIMEOUT_SECONDS")
		cfg.LockTimeout = 30 * time.Second
	}
	return cfg
}

// NewLogger returns a JSON logger at Info in prod and a text logger at
// Debug otherwise.
func NewLogger(env string, w io.Writer) *slog.Logger {
	var h slog.Handler
	if env == "prod" {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(h)
}

func get(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getInt(logger *slog.Logger, key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("ignoring malformed integer", "env", key, "value", raw)
		return def
	}
	return v
}
