package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceCache holds derived balances for read paths. Every invalidation bumps a per-account
// generation; a value computed before the bump must not be stored after it.
type BalanceCache interface {
	Get(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error)
	// Generation is read before the balance is derived and handed back to SetIfUnchanged.
	Generation(ctx context.Context, accountID uuid.UUID) (int64, error)
	// SetIfUnchanged stores balance only while the generation still equals gen.
	SetIfUnchanged(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal, gen int64) (bool, error)
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

const (
	balanceKeyPrefix    = "ledger:balance:"
	generationKeyPrefix = "ledger:balance-gen:"
)

// setIfGeneration writes KEYS[2] only when KEYS[1] (missing counts as 0) equals ARGV[1].
var setIfGeneration = redis.NewScript(`
local g = redis.call('GET', KEYS[1])
if (g or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisBalanceCache stores balances as decimal strings with a TTL. Generation counters have no TTL.
type RedisBalanceCache struct {
	Rdb *redis.Client
	TTL time.Duration
}

func NewRedisBalanceCache(rdb *redis.Client, ttl time.Duration) *RedisBalanceCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBalanceCache{Rdb: rdb, TTL: ttl}
}

func balanceKey(id uuid.UUID) string {
	return balanceKeyPrefix + id.String()
}

func generationKey(id uuid.UUID) string {
	return generationKeyPrefix + id.String()
}

func (c *RedisBalanceCache) Get(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error) {
	s, err := c.Rdb.Get(ctx, balanceKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, err
	}
	return v, true, nil
}

func (c *RedisBalanceCache) Generation(ctx context.Context, accountID uuid.UUID) (int64, error) {
	g, err := c.Rdb.Get(ctx, generationKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return g, err
}

func (c *RedisBalanceCache) SetIfUnchanged(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal, gen int64) (bool, error) {
	n, err := setIfGeneration.Run(ctx, c.Rdb,
		[]string{generationKey(accountID), balanceKey(accountID)},
		strconv.FormatInt(gen, 10), balance.String(), c.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Invalidate bumps the generation and drops the value in one MULTI.
func (c *RedisBalanceCache) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, generationKey(accountID))
		p.Del(ctx, balanceKey(accountID))
		return nil
	})
	return err
}
