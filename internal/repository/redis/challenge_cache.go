package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"authcore/internal/client"
	"authcore/internal/model"
	"authcore/internal/util"
)

const (
	challengePrefix = "challenge:"

	// Records are kept past their validity window so an expired code can be
	// reported as expired rather than unknown. The grace period bounds how
	// long that distinction survives.
	expiredRetention = 10 * time.Minute
)

// ChallengeCache is the ephemeral store for verification challenges. Every
// state transition is a single Lua script so concurrent issue/verify calls
// for the same identity observe atomic per-key updates.
type ChallengeCache struct {
	client *client.RedisClient
}

func NewChallengeCache(client *client.RedisClient) *ChallengeCache {
	return &ChallengeCache{client: client}
}

// storeScript replaces any prior challenge in the same operation that writes
// the new one. When ARGV[7] is 1, the old record's attempt count carries
// forward so rapid reissue cannot reset abuse protection.
const storeScript = `
local key = KEYS[1]
local attempts = 0
if ARGV[7] == '1' then
  local prior = redis.call('HGET', key, 'attempts')
  if prior then attempts = tonumber(prior) end
end
redis.call('DEL', key)
redis.call('HSET', key,
  'ct', ARGV[1], 'nonce', ARGV[2], 'kid', ARGV[3],
  'attempts', attempts, 'consumed', '0',
  'created_at', ARGV[4], 'expires_at', ARGV[5])
redis.call('PEXPIRE', key, ARGV[6])
return attempts
`

// Store writes a freshly sealed challenge, invalidating any prior one
// atomically. Returns the attempt count the new challenge starts with.
func (c *ChallengeCache) Store(ctx context.Context, ch *model.VerificationChallenge, carryAttempts bool) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	key := challengePrefix + ch.IdentityKey
	retention := time.Until(ch.ExpiresAt) + expiredRetention
	carry := "0"
	if carryAttempts {
		carry = "1"
	}

	res, err := c.client.Eval(ctx, storeScript, []string{key},
		ch.Ciphertext, ch.Nonce, ch.KeyID,
		ch.CreatedAt.Unix(), ch.ExpiresAt.Unix(),
		retention.Milliseconds(), carry)
	if err != nil {
		util.Error("failed to store challenge", zap.Error(err))
		return 0, fmt.Errorf("failed to store challenge: %w", err)
	}

	attempts := int(res.(int64))
	util.Debug("challenge stored",
		zap.Int("carried_attempts", attempts),
		zap.Time("expires_at", ch.ExpiresAt))
	return attempts, nil
}

// Fetch reads the current challenge. Expiry is handled lazily: a record past
// its validity window is deleted on read and reported via the returned
// challenge's ExpiresAt, which the vault inspects.
func (c *ChallengeCache) Fetch(ctx context.Context, identityKey string) (*model.VerificationChallenge, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	key := challengePrefix + identityKey
	fields, err := c.client.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrNoChallenge
	}

	ch := &model.VerificationChallenge{
		IdentityKey: identityKey,
		Ciphertext:  fields["ct"],
		Nonce:       fields["nonce"],
		KeyID:       fields["kid"],
		Consumed:    fields["consumed"] == "1",
	}
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		ch.Attempts = v
	}
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		ch.CreatedAt = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		ch.ExpiresAt = time.Unix(v, 0).UTC()
	}
	return ch, nil
}

// DeleteExpired removes a challenge observed past its window.
func (c *ChallengeCache) DeleteExpired(ctx context.Context, identityKey string) error {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()
	return c.client.Del(ctx, challengePrefix+identityKey)
}

// mismatchScript increments the attempt counter and, when the budget is
// exhausted, marks the record consumed in the same atomic step. Returns the
// new attempt count, or -1 when no live record exists.
const mismatchScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'consumed') == '1' then return -1 end
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
if attempts >= tonumber(ARGV[1]) then
  redis.call('HSET', key, 'consumed', '1')
end
return attempts
`

// RegisterMismatch records one failed attempt. Returns the attempt count
// after increment; -1 means the challenge vanished under the caller.
func (c *ChallengeCache) RegisterMismatch(ctx context.Context, identityKey string, maxAttempts int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	res, err := c.client.Eval(ctx, mismatchScript,
		[]string{challengePrefix + identityKey}, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to register mismatch: %w", err)
	}
	return int(res.(int64)), nil
}

// consumeScript deletes the record if and only if it is still live, so at
// most one concurrent verifier can succeed.
const consumeScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
if redis.call('HGET', key, 'consumed') == '1' then return 0 end
redis.call('DEL', key)
return 1
`

// Consume destroys the challenge on successful verification. The boolean
// reports whether this caller won the consume race.
func (c *ChallengeCache) Consume(ctx context.Context, identityKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.client.OpTimeout())
	defer cancel()

	res, err := c.client.Eval(ctx, consumeScript, []string{challengePrefix + identityKey})
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	return res.(int64) == 1, nil
}

// RemainingValidity returns how long the current challenge stays valid.
func (c *ChallengeCache) RemainingValidity(ctx context.Context, identityKey string) (time.Duration, error) {
	ch, err := c.Fetch(ctx, identityKey)
	if err != nil {
		return 0, err
	}
	remaining := time.Until(ch.ExpiresAt)
	if remaining <= 0 || ch.Consumed {
		return 0, model.ErrNoChallenge
	}
	return remaining, nil
}
