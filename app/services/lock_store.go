// Package services provides external service integrations and technical concerns like locking, rate limiting and provider access
package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockStore is the shared key-value surface behind the idempotency locks,
// conversation mutexes and rate-limit counters. It is the single source of
// truth for "who may act now" across processes; in-process state is advisory.
type LockStore interface {
	// SetNX atomically creates key with a TTL iff it does not exist
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value, or "" when the key is absent
	Get(ctx context.Context, key string) (string, error)
	// CompareAndDelete deletes key only when its value equals expected
	CompareAndDelete(ctx context.Context, key, expected string) error
	// IncrWindow increments a counter key, binding its expiry to ttl on first
	// write, and returns the new count
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CheckAndIncr runs the rate-limit decision atomically: reads the counter,
	// resets it when the window elapsed, increments only while under limit.
	// Returns (allowed, countAfter).
	CheckAndIncr(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
	// Decr decrements a counter key, flooring at zero
	Decr(ctx context.Context, key string) error
}

// compareAndDeleteScript releases a lock only for its owner. A stale release
// after expiry and re-acquisition must never delete the new owner's lock.
const compareAndDeleteScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// checkAndIncrScript is the atomic read-compare-increment for one rate
// window. The PX expiry set on first write is the window rollover: an elapsed
// window simply vanishes and the next call starts a fresh count at 1.
const checkAndIncrScript = `
local count = redis.call("GET", KEYS[1])
if count == false then
	redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
	return {1, 1}
end
count = tonumber(count)
if count < tonumber(ARGV[1]) then
	count = redis.call("INCR", KEYS[1])
	return {1, count}
end
return {0, count}
`

// decrFloorScript decrements without going negative; a counter that lost its
// key to TTL expiry must not become -1
const decrFloorScript = `
local count = redis.call("DECR", KEYS[1])
if count < 0 then
	redis.call("SET", KEYS[1], 0, "KEEPTTL")
	return 0
end
return count
`

// RedisLockStore implements LockStore on a Redis client
type RedisLockStore struct {
	rc *redis.Client
}

func NewRedisLockStore(rc *redis.Client) LockStore {
	return &RedisLockStore{rc: rc}
}

func (s *RedisLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rc.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisLockStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rc.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *RedisLockStore) CompareAndDelete(ctx context.Context, key, expected string) error {
	return s.rc.Eval(ctx, compareAndDeleteScript, []string{key}, expected).Err()
}

func (s *RedisLockStore) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rc.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		_ = s.rc.PExpire(ctx, key, ttl).Err()
	}
	return n, nil
}

func (s *RedisLockStore) CheckAndIncr(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	res, err := s.rc.Eval(ctx, checkAndIncrScript, []string{key}, limit, window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, errUnexpectedScriptReply
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return allowed == 1, count, nil
}

func (s *RedisLockStore) Decr(ctx context.Context, key string) error {
	return s.rc.Eval(ctx, decrFloorScript, []string{key}).Err()
}
