package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authcore/internal/client"
	"authcore/internal/util"
)

const (
	sendIdentityPrefix = "send_count:identity:"
	sendOriginPrefix   = "send_count:origin:"
	failCountPrefix    = "verify_fail:"
	lockoutPrefix      = "lockout:"
)

// AbuseCache backs the Abuse Guard with keyed atomic counters and lockout
// records. Counters get their TTL on first increment and expire with the
// window; no in-process state exists, so any number of instances share them.
type AbuseCache struct {
	client *client.RedisClient
}

func NewAbuseCache(client *client.RedisClient) *AbuseCache {
	return &AbuseCache{client: client}
}

// admitScript is a check-then-increment in one atomic step: the counter is
// never pushed past the ceiling, so no external reader can observe an
// over-limit count. Returns {admitted, count-or-ttl-seconds}.
const admitScript = `
local key = KEYS[1]
local ceiling = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', key) or '0')
if current >= ceiling then
  return {0, redis.call('TTL', key)}
end
local count = redis.call('INCR', key)
if count == 1 then
  redis.call('EXPIRE', key, ARGV[2])
end
return {1, count}
`

// AdmitIdentity counts a send-code request against the per-identity ceiling.
func (c *AbuseCache) AdmitIdentity(ctx context.Context, identityKey string, ceiling int, window time.Duration) (bool, time.Duration, error) {
	return c.admit(ctx, sendIdentityPrefix+identityKey, ceiling, window)
}

// AdmitOrigin counts a send-code request against the per-origin ceiling,
// aggregated across all identities reached from that origin.
func (c *AbuseCache) AdmitOrigin(ctx context.Context, origin string, ceiling int, window time.Duration) (bool, time.Duration, error) {
	return c.admit(ctx, sendOriginPrefix+origin, ceiling, window)
}

func (c *AbuseCache) admit(ctx context.Context, key string, ceiling int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	res, err := c.client.Eval(ctx, admitScript, []string{key},
		ceiling, int(window.Seconds()))
	if err != nil {
		return false, 0, fmt.Errorf("failed to run admit counter: %w", err)
	}

	pair := res.([]interface{})
	admitted := pair[0].(int64) == 1
	if !admitted {
		retryAfter := time.Duration(pair[1].(int64)) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// failureScript increments the per-identity failure counter and derives the
// lockout in the same atomic step once the threshold is reached. The counter
// is cleared when the lockout is set; the lockout key itself only ever
// expires naturally. Returns {count, locked_now}.
const failureScript = `
local failKey = KEYS[1]
local lockKey = KEYS[2]
local count = redis.call('INCR', failKey)
if count == 1 then
  redis.call('EXPIRE', failKey, ARGV[2])
end
if count >= tonumber(ARGV[1]) then
  redis.call('SET', lockKey, 'locked', 'NX', 'EX', ARGV[3])
  redis.call('DEL', failKey)
  return {count, 1}
end
return {count, 0}
`

// RegisterFailure records one failed verification. The boolean reports
// whether this failure established a lockout.
func (c *AbuseCache) RegisterFailure(ctx context.Context, identityKey string, threshold int, counterTTL, lockoutTTL time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	res, err := c.client.Eval(ctx, failureScript,
		[]string{failCountPrefix + identityKey, lockoutPrefix + identityKey},
		threshold, int(counterTTL.Seconds()), int(lockoutTTL.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to register verification failure: %w", err)
	}

	pair := res.([]interface{})
	lockedNow := pair[1].(int64) == 1
	if lockedNow {
		util.Warn("verification failure threshold reached, lockout set",
			zap.Duration("lockout_ttl", lockoutTTL))
	}
	return lockedNow, nil
}

// LockoutTTL reports the remaining lockout duration, zero when not locked.
func (c *AbuseCache) LockoutTTL(ctx context.Context, identityKey string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	ttl, err := c.client.TTL(ctx, lockoutPrefix+identityKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read lockout state: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// ResetFailures clears the per-challenge failure counter after a successful
// verification. The lockout record is deliberately left alone: it expires
// naturally and is never cleared early.
func (c *AbuseCache) ResetFailures(ctx context.Context, identityKey string) error {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	if err := c.client.Del(ctx, failCountPrefix+identityKey); err != nil {
		return fmt.Errorf("failed to reset failure counter: %w", err)
	}
	return nil
}
