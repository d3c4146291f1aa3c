package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter keys in a shared Redis.
const keyPrefix = "ragchat:ratelimit:"

// RedisCounter is a Counter shared by every replica pointing at the same
// Redis. The window is the key's TTL, set by the first hit.
type RedisCounter struct {
	// rdb is the Redis client.
	rdb goredis.UniversalClient
}

// NewRedisCounter connects to addr and verifies the connection.
func NewRedisCounter(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ratelimit: redis ping %s: %w", addr, err)
	}
	return &RedisCounter{rdb: rdb}, nil
}

// NewRedisCounterFromClient wraps an existing client.
func NewRedisCounterFromClient(rdb goredis.UniversalClient) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr implements Counter with INCR, EXPIRE NX and PTTL in one transaction.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	key = keyPrefix + key

	var (
		incr *goredis.IntCmd
		ttl  *goredis.DurationCmd
	)
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	resetIn := ttl.Val()
	if resetIn < 0 {
		resetIn = window
	}
	return incr.Val(), resetIn, nil
}

// Name returns the dependency label used in readiness responses.
func (c *RedisCounter) Name() string { return "redis" }

// Ping checks the Redis connection.
func (c *RedisCounter) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *RedisCounter) Close() error { return c.rdb.Close() }
