package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter keys expire if nothing touches them for this long. The TTL is
// refreshed on every increment, so it only ever fires for keys orphaned
// by a crash. A missing key reads as zero, which is the correct fallback.
const counterTTL = 4 * time.Hour

// decrClampScript decrements a key but never below zero. Runs as a Lua
// script so the read and the write are one atomic step on the server.
var decrClampScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
	redis.call('SET', KEYS[1], '0', 'EX', ARGV[1])
	return 0
end
v = v - 1
redis.call('SET', KEYS[1], tostring(v), 'EX', ARGV[1])
return v
`)

// RedisCounter implements Counter on a shared Redis instance so the
// count survives restarts and is shared across instances.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter backed by the given redis client
func NewRedisCounter(rc *RedisClient) *RedisCounter {
	return &RedisCounter{client: rc.Client()}
}

// Incr atomically increments the key and returns the new value
func (c *RedisCounter) Incr(ctx context.Context, key string) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, wrapBackendErr("incr", key, err)
	}
	return incr.Val(), nil
}

// Decr atomically decrements the key, clamped at zero
func (c *RedisCounter) Decr(ctx context.Context, key string) (int64, error) {
	v, err := decrClampScript.Run(ctx, c.client, []string{key}, int(counterTTL.Seconds())).Int64()
	if err != nil {
		return 0, wrapBackendErr("decr", key, err)
	}
	return v, nil
}

// Get returns the current value, or 0 if the key is absent
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapBackendErr("get", key, err)
	}
	return v, nil
}

// Delete removes the key
func (c *RedisCounter) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return wrapBackendErr("del", key, err)
	}
	return nil
}

// SetNX sets the key only if absent
func (c *RedisCounter) SetNX(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrapBackendErr("setnx", key, err)
	}
	return ok, nil
}

func wrapBackendErr(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrBackendUnavailable, op, key, err)
}
