package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisOptions configures RedLock acquisition.
type RedisOptions struct {
	// Expiry bounds how long a crashed holder can block others. The row locks taken inside the
	// database transaction still protect balances if a lock expires mid-operation.
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
	Prefix     string
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     15 * time.Second,
		Tries:      64,
		RetryDelay: 50 * time.Millisecond,
		Prefix:     "lock:",
	}
}

// RedisLocker serializes across service instances with the RedLock algorithm.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts RedisOptions
}

func NewRedisLocker(client *redis.Client, opts RedisOptions) *RedisLocker {
	def := DefaultRedisOptions()
	if opts.Expiry <= 0 {
		opts.Expiry = def.Expiry
	}
	if opts.Tries <= 0 {
		opts.Tries = def.Tries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), opts: opts}
}

func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]*redsync.Mutex, 0, len(keys))
	release := func() {
		// Unlock must not be skipped because the request context ended.
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if ok, err := held[i].UnlockContext(uctx); err != nil || !ok {
				log.Warn().Err(err).Str("lock", held[i].Name()).Msg("redis lock release failed")
			}
		}
	}
	for _, k := range keys {
		m := l.rs.NewMutex(l.opts.Prefix+k,
			redsync.WithExpiry(l.opts.Expiry),
			redsync.WithTries(l.opts.Tries),
			redsync.WithRetryDelay(l.opts.RetryDelay),
		)
		if err := m.LockContext(ctx); err != nil {
			release()
			return func() {}, fmt.Errorf("acquire %s: %w", k, err)
		}
		held = append(held, m)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}
