package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/yifeng2019uwb/cloud-native-order-processor/v1/model"
)

const defaultRedisOpTimeout = 5 * time.Second

// Key layout. The account id is wrapped in braces so every key of one
// account hashes to the same cluster slot and can be touched by one script.
func lockKey(accountID string) string    { return "lock:{" + accountID + "}" }
func balanceKey(accountID string) string { return "balance:{" + accountID + "}" }
func txIndexKey(accountID string) string { return "txidx:{" + accountID + "}" }
func txOrderKey(accountID string) string { return "txs:{" + accountID + "}" }
func txKey(accountID, transactionID string) string {
	return "tx:{" + accountID + "}:" + transactionID
}

// accountsKey registers every account that ever had a balance write. It
// lives in its own slot and is never passed to a script.
const accountsKey = "accounts"

// acquireScript writes the lock hash unless a row exists whose expires_at
// (unix ms) is not before ARGV[1]. It returns {acquired, had_previous,
// lock_id, acquired_at, expires_at, operation} where the last four describe
// the row found before the call.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prev = {"", "", "", ""}
local held = 0
if redis.call("EXISTS", KEYS[1]) == 1 then
    local cur = redis.call("HMGET", KEYS[1], "lock_id", "acquired_at", "expires_at", "operation")
    for i = 1, 4 do
        if cur[i] then prev[i] = cur[i] end
    end
    held = 1
    local exp = tonumber(prev[3])
    if exp ~= nil and exp >= now then
        return {0, held, prev[1], prev[2], prev[3], prev[4]}
    end
    redis.call("DEL", KEYS[1])
end
redis.call("HSET", KEYS[1], "lock_id", ARGV[2], "acquired_at", ARGV[3], "expires_at", ARGV[4], "operation", ARGV[5])
return {1, held, prev[1], prev[2], prev[3], prev[4]}
`)

var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "lock_id") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var putBalanceScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "version")
if not v then v = "0" end
if v ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "current_balance", ARGV[2], "version", ARGV[3], "updated_at", ARGV[4])
return 1
`)

// putTxScript appends a transaction unless its id is already indexed, in
// which case the stored JSON is returned.
var putTxScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
    return redis.call("GET", KEYS[3])
end
redis.call("SET", KEYS[3], ARGV[3])
redis.call("ZADD", KEYS[2], 0, ARGV[2])
return false
`)

var deleteTxScript = redis.NewScript(`
local sk = redis.call("HGET", KEYS[1], ARGV[1])
if not sk then
    return 0
end
redis.call("HDEL", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], sk)
redis.call("DEL", KEYS[3])
return 1
`)

// RedisStore implements Store on Redis. Conditional writes run as Lua
// scripts so each check-and-write is atomic on the server.
type RedisStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// GetLock implements LockStore.GetLock.
func (s *RedisStore) GetLock(ctx context.Context, accountID string) (model.Lock, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Lock{}, false, err
	}
	defer cancel()
	vals, err := s.client.HMGet(cctx, lockKey(accountID), "lock_id", "acquired_at", "expires_at", "operation").Result()
	if err != nil {
		return model.Lock{}, false, redisErr("HMGET", err)
	}
	if vals[0] == nil {
		return model.Lock{}, false, nil
	}
	fields := make([]string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			fields[i] = str
		}
	}
	return lockFromFields(accountID, fields), true, nil
}

// PutLockIfAvailable implements LockStore.PutLockIfAvailable.
func (s *RedisStore) PutLockIfAvailable(ctx context.Context, l model.Lock, now time.Time) (*model.Lock, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer cancel()
	res, err := acquireScript.Run(cctx, s.client, []string{lockKey(l.AccountID)},
		now.UnixMilli(), l.LockID, l.AcquiredAt.UnixMilli(), l.ExpiresAt.UnixMilli(), l.Operation).Slice()
	if err != nil {
		return nil, false, redisErr("acquire script", err)
	}
	if len(res) != 6 {
		return nil, false, fmt.Errorf("redis acquire script: unexpected reply %v", res)
	}
	acquired, _ := res[0].(int64)
	held, _ := res[1].(int64)
	var prev *model.Lock
	if held == 1 {
		fields := make([]string, 4)
		for i := range fields {
			fields[i], _ = res[i+2].(string)
		}
		p := lockFromFields(l.AccountID, fields)
		prev = &p
	}
	return prev, acquired == 1, nil
}

// DeleteLockIfOwner implements LockStore.DeleteLockIfOwner.
func (s *RedisStore) DeleteLockIfOwner(ctx context.Context, accountID, lockID string) (bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := releaseScript.Run(cctx, s.client, []string{lockKey(accountID)}, lockID).Int64()
	if err != nil && err != redis.Nil {
		return false, redisErr("release script", err)
	}
	return n == 1, nil
}

func lockFromFields(accountID string, f []string) model.Lock {
	acquired, _ := strconv.ParseInt(f[1], 10, 64)
	expires, _ := strconv.ParseInt(f[2], 10, 64)
	return model.Lock{
		AccountID:  accountID,
		LockID:     f[0],
		AcquiredAt: time.UnixMilli(acquired).UTC(),
		ExpiresAt:  time.UnixMilli(expires).UTC(),
		Operation:  f[3],
	}
}

// GetBalance implements LedgerStore.GetBalance.
func (s *RedisStore) GetBalance(ctx context.Context, accountID string) (model.Balance, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Balance{}, false, err
	}
	defer cancel()
	m, err := s.client.HGetAll(cctx, balanceKey(accountID)).Result()
	if err != nil {
		return model.Balance{}, false, redisErr("HGETALL", err)
	}
	if len(m) == 0 {
		return model.Balance{}, false, nil
	}
	amount, err := decimal.NewFromString(m["current_balance"])
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("decode balance of %s: %w", accountID, err)
	}
	version, err := strconv.ParseInt(m["version"], 10, 64)
	if err != nil {
		return model.Balance{}, false, fmt.Errorf("decode balance version of %s: %w", accountID, err)
	}
	updated, _ := time.Parse(time.RFC3339Nano, m["updated_at"])
	return model.Balance{
		AccountID:      accountID,
		CurrentBalance: amount,
		Version:        version,
		UpdatedAt:      updated,
	}, true, nil
}

// PutBalance implements LedgerStore.PutBalance.
func (s *RedisStore) PutBalance(ctx context.Context, b model.Balance) error {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	// Registered first so a balance row is never invisible to ListAccounts.
	if err := s.client.SAdd(cctx, accountsKey, b.AccountID).Err(); err != nil {
		return redisErr("SADD", err)
	}
	n, err := putBalanceScript.Run(cctx, s.client, []string{balanceKey(b.AccountID)},
		strconv.FormatInt(b.Version-1, 10), b.CurrentBalance.String(),
		strconv.FormatInt(b.Version, 10), b.UpdatedAt.UTC().Format(time.RFC3339Nano)).Int64()
	if err != nil {
		return redisErr("balance script", err)
	}
	if n != 1 {
		return conditionFailed
	}
	return nil
}

// PutTransaction implements LedgerStore.PutTransaction.
func (s *RedisStore) PutTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, bool, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return model.Transaction{}, false, err
	}
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Transaction{}, false, err
	}
	defer cancel()
	keys := []string{txIndexKey(tx.AccountID), txOrderKey(tx.AccountID), txKey(tx.AccountID, tx.TransactionID)}
	existing, err := putTxScript.Run(cctx, s.client, keys, tx.TransactionID, tx.SortKey(), data).Text()
	if err == redis.Nil {
		return tx, true, nil
	}
	if err != nil {
		return model.Transaction{}, false, redisErr("append script", err)
	}
	var stored model.Transaction
	if err := json.Unmarshal([]byte(existing), &stored); err != nil {
		return model.Transaction{}, false, err
	}
	return stored, false, nil
}

// GetTransaction implements LedgerStore.GetTransaction.
func (s *RedisStore) GetTransaction(ctx context.Context, accountID, transactionID string) (model.Transaction, bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Transaction{}, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, txKey(accountID, transactionID)).Bytes()
	if err == redis.Nil {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, redisErr("GET", err)
	}
	var tx model.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return model.Transaction{}, false, err
	}
	return tx, true, nil
}

// DeleteTransaction implements LedgerStore.DeleteTransaction.
func (s *RedisStore) DeleteTransaction(ctx context.Context, accountID, transactionID string) (bool, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	keys := []string{txIndexKey(accountID), txOrderKey(accountID), txKey(accountID, transactionID)}
	n, err := deleteTxScript.Run(cctx, s.client, keys, transactionID).Int64()
	if err != nil {
		return false, redisErr("delete script", err)
	}
	return n == 1, nil
}

// QueryTransactions implements LedgerStore.QueryTransactions. Members of the
// order set all score 0, so lexical range over the sort keys yields
// chronological order.
func (s *RedisStore) QueryTransactions(ctx context.Context, accountID string, limit int, startKey string) (model.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return model.Page{}, err
	}
	defer cancel()
	lo := "-"
	if startKey != "" {
		lo = "(" + startKey
	}
	sortKeys, err := s.client.ZRangeByLex(cctx, txOrderKey(accountID), &redis.ZRangeBy{
		Min:   lo,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return model.Page{}, redisErr("ZRANGEBYLEX", err)
	}
	more := len(sortKeys) > limit
	if more {
		sortKeys = sortKeys[:limit]
	}
	if len(sortKeys) == 0 {
		return model.Page{}, nil
	}
	keys := make([]string, len(sortKeys))
	for i, sk := range sortKeys {
		keys[i] = txKey(accountID, model.TransactionIDFromSortKey(sk))
	}
	vals, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return model.Page{}, redisErr("MGET", err)
	}
	items := make([]model.Transaction, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var tx model.Transaction
		if err := json.Unmarshal([]byte(str), &tx); err != nil {
			return model.Page{}, err
		}
		items = append(items, tx)
	}
	page := model.Page{Items: items}
	if more {
		page.NextKey = sortKeys[len(sortKeys)-1]
	}
	return page, nil
}

// ListAccounts implements LedgerStore.ListAccounts.
func (s *RedisStore) ListAccounts(ctx context.Context) ([]string, error) {
	cctx, cancel, err := s.opCtx(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ids, err := s.client.SMembers(cctx, accountsKey).Result()
	if err != nil {
		return nil, redisErr("SMEMBERS", err)
	}
	sort.Strings(ids)
	return ids, nil
}
