// Package concurrency caps in-flight calls across processes with Redis counters.
package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// InFlightKey is the counter shared by every process dialing calls.
const InFlightKey = "calls:in_flight"

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Limiter is a counting semaphore stored in Redis.
type Limiter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLimiter constructs a limiter. Slots expire after ttl so a crashed
// process cannot hold them forever.
func NewLimiter(client *redis.Client, prefix string, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "leadcall"
	}
	return &Limiter{client: client, prefix: prefix, ttl: ttl}
}

// Acquire reserves a slot under key when fewer than limit are held.
// A non-positive limit always succeeds.
func (l *Limiter) Acquire(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, l.client, []string{l.key(key)}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context, key string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(key)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (l *Limiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}
