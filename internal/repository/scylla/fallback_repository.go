package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authcore/internal/model"
	"authcore/internal/util"
)

// FallbackRepository serves challenge and rate-limit state from durable
// storage when the ephemeral store is unreachable. Atomicity comes from
// per-partition lightweight transactions instead of Lua, at reduced
// performance; the service raises an operational alert whenever this path
// carries traffic.
type FallbackRepository struct {
	client *ScyllaClient
}

const casRetries = 3

func NewFallbackRepository(client *ScyllaClient) *FallbackRepository {
	return &FallbackRepository{client: client}
}

// Store upserts the challenge row, replacing any prior one for the identity.
func (r *FallbackRepository) Store(ctx context.Context, ch *model.VerificationChallenge, carryAttempts bool) (int, error) {
	attempts := 0
	if carryAttempts {
		if prior, err := r.Fetch(ctx, ch.IdentityKey); err == nil {
			attempts = prior.Attempts
		}
	}

	ttl := int(time.Until(ch.ExpiresAt).Seconds()) + 600
	query := r.client.Query(`
        INSERT INTO fallback_challenges (
            identity_key, ciphertext, nonce, key_id, attempts, consumed, created_at, expires_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
		ch.IdentityKey, ch.Ciphertext, ch.Nonce, ch.KeyID,
		attempts, false, ch.CreatedAt, ch.ExpiresAt, ttl).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("failed to store fallback challenge", zap.Error(err))
		return 0, fmt.Errorf("failed to store fallback challenge: %w", err)
	}
	return attempts, nil
}

// Fetch reads the current challenge row for an identity.
func (r *FallbackRepository) Fetch(ctx context.Context, identityKey string) (*model.VerificationChallenge, error) {
	ch := &model.VerificationChallenge{IdentityKey: identityKey}

	query := r.client.Query(`
        SELECT ciphertext, nonce, key_id, attempts, consumed, created_at, expires_at
        FROM fallback_challenges WHERE identity_key = ?`, identityKey).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&ch.Ciphertext, &ch.Nonce, &ch.KeyID, &ch.Attempts,
		&ch.Consumed, &ch.CreatedAt, &ch.ExpiresAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrNoChallenge
		}
		return nil, fmt.Errorf("failed to fetch fallback challenge: %w", err)
	}
	return ch, nil
}

// DeleteExpired removes a challenge observed past its window.
func (r *FallbackRepository) DeleteExpired(ctx context.Context, identityKey string) error {
	query := r.client.Query(`DELETE FROM fallback_challenges WHERE identity_key = ?`,
		identityKey).WithContext(ctx)
	return r.client.ExecuteWithRetry(query, 2)
}

// RegisterMismatch bumps the attempt counter with a CAS loop, marking the
// row consumed once the budget is exhausted. Returns the new attempt count,
// or -1 when no live row exists.
func (r *FallbackRepository) RegisterMismatch(ctx context.Context, identityKey string, maxAttempts int) (int, error) {
	for i := 0; i < casRetries; i++ {
		ch, err := r.Fetch(ctx, identityKey)
		if err != nil {
			if err == model.ErrNoChallenge {
				return -1, nil
			}
			return 0, err
		}
		if ch.Consumed {
			return -1, nil
		}

		next := ch.Attempts + 1
		consumed := next >= maxAttempts
		applied, err := r.client.Query(`
            UPDATE fallback_challenges SET attempts = ?, consumed = ?
            WHERE identity_key = ? IF attempts = ? AND consumed = false`,
			next, consumed, identityKey, ch.Attempts).WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return 0, fmt.Errorf("failed to bump fallback attempts: %w", err)
		}
		if applied {
			return next, nil
		}
	}
	return 0, fmt.Errorf("fallback attempt counter contention on %s", "challenge")
}

// Consume marks the row consumed; exactly one racing caller wins the CAS.
func (r *FallbackRepository) Consume(ctx context.Context, identityKey string) (bool, error) {
	applied, err := r.client.Query(`
        UPDATE fallback_challenges SET consumed = true
        WHERE identity_key = ? IF consumed = false`, identityKey).WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to consume fallback challenge: %w", err)
	}
	if applied {
		// Row served its purpose; removal is cosmetic, TTL covers the rest.
		_ = r.DeleteExpired(ctx, identityKey)
	}
	return applied, nil
}

// RemainingValidity mirrors the ephemeral store's TTL peek.
func (r *FallbackRepository) RemainingValidity(ctx context.Context, identityKey string) (time.Duration, error) {
	ch, err := r.Fetch(ctx, identityKey)
	if err != nil {
		return 0, err
	}
	remaining := time.Until(ch.ExpiresAt)
	if remaining <= 0 || ch.Consumed {
		return 0, model.ErrNoChallenge
	}
	return remaining, nil
}

// ===================== rate counters & lockouts =====================

// AdmitScoped runs increment-and-check against a windowed counter row.
// The window start is part of the partition key, so a new window always
// begins from a fresh row and the old one ages out via TTL.
func (r *FallbackRepository) AdmitScoped(ctx context.Context, scopeKey string, ceiling int, window time.Duration) (bool, time.Duration, error) {
	windowStart := time.Now().Unix() / int64(window.Seconds()) * int64(window.Seconds())
	windowEnd := time.Unix(windowStart, 0).Add(window)
	ttl := int(window.Seconds()) + 60

	for i := 0; i < casRetries; i++ {
		var count int
		err := r.client.Query(`
            SELECT count FROM fallback_counters WHERE scope_key = ? AND window_start = ?`,
			scopeKey, windowStart).WithContext(ctx).Scan(&count)

		if err == gocql.ErrNotFound {
			applied, casErr := r.client.Query(`
                INSERT INTO fallback_counters (scope_key, window_start, count)
                VALUES (?, ?, 1) IF NOT EXISTS USING TTL ?`,
				scopeKey, windowStart, ttl).WithContext(ctx).
				MapScanCAS(map[string]interface{}{})
			if casErr != nil {
				return false, 0, fmt.Errorf("failed to init fallback counter: %w", casErr)
			}
			if applied {
				return true, 0, nil
			}
			continue
		}
		if err != nil {
			return false, 0, fmt.Errorf("failed to read fallback counter: %w", err)
		}

		if count >= ceiling {
			return false, time.Until(windowEnd), nil
		}

		applied, casErr := r.client.Query(`
            UPDATE fallback_counters USING TTL ? SET count = ?
            WHERE scope_key = ? AND window_start = ? IF count = ?`,
			ttl, count+1, scopeKey, windowStart, count).WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if casErr != nil {
			return false, 0, fmt.Errorf("failed to bump fallback counter: %w", casErr)
		}
		if applied {
			return true, 0, nil
		}
	}
	return false, 0, fmt.Errorf("fallback counter contention on %s", scopeKey)
}

const failureScope = "verify_fail:"

// RegisterFailure mirrors the ephemeral failure counter: bump with a CAS
// loop, set the lockout once the threshold is reached. Returns whether this
// failure established the lockout.
func (r *FallbackRepository) RegisterFailure(ctx context.Context, identityKey string, threshold int, counterTTL, lockoutTTL time.Duration) (bool, error) {
	scopeKey := failureScope + identityKey
	ttl := int(counterTTL.Seconds())

	for i := 0; i < casRetries; i++ {
		var count int
		err := r.client.Query(`
            SELECT count FROM fallback_counters WHERE scope_key = ? AND window_start = 0`,
			scopeKey).WithContext(ctx).Scan(&count)

		if err == gocql.ErrNotFound {
			applied, casErr := r.client.Query(`
                INSERT INTO fallback_counters (scope_key, window_start, count)
                VALUES (?, 0, 1) IF NOT EXISTS USING TTL ?`,
				scopeKey, ttl).WithContext(ctx).
				MapScanCAS(map[string]interface{}{})
			if casErr != nil {
				return false, fmt.Errorf("failed to init fallback failure counter: %w", casErr)
			}
			if applied {
				if threshold <= 1 {
					return true, r.lockAndClear(ctx, identityKey, scopeKey, lockoutTTL)
				}
				return false, nil
			}
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to read fallback failure counter: %w", err)
		}

		applied, casErr := r.client.Query(`
            UPDATE fallback_counters USING TTL ? SET count = ?
            WHERE scope_key = ? AND window_start = 0 IF count = ?`,
			ttl, count+1, scopeKey, count).WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if casErr != nil {
			return false, fmt.Errorf("failed to bump fallback failure counter: %w", casErr)
		}
		if applied {
			if count+1 >= threshold {
				return true, r.lockAndClear(ctx, identityKey, scopeKey, lockoutTTL)
			}
			return false, nil
		}
	}
	return false, fmt.Errorf("fallback failure counter contention on identity")
}

func (r *FallbackRepository) lockAndClear(ctx context.Context, identityKey, scopeKey string, lockoutTTL time.Duration) error {
	if err := r.SetLockout(ctx, identityKey, lockoutTTL); err != nil {
		return err
	}
	return r.client.ExecuteWithRetry(r.client.Query(`
        DELETE FROM fallback_counters WHERE scope_key = ? AND window_start = 0`,
		scopeKey).WithContext(ctx), 2)
}

// ResetFailures clears the failure counter only, never the lockout.
func (r *FallbackRepository) ResetFailures(ctx context.Context, identityKey string) error {
	query := r.client.Query(`
        DELETE FROM fallback_counters WHERE scope_key = ? AND window_start = 0`,
		failureScope+identityKey).WithContext(ctx)
	return r.client.ExecuteWithRetry(query, 2)
}

// SetLockout writes a lockout row that ages out with the lockout itself.
func (r *FallbackRepository) SetLockout(ctx context.Context, identityKey string, duration time.Duration) error {
	until := time.Now().UTC().Add(duration)
	query := r.client.Query(`
        INSERT INTO fallback_lockouts (identity_key, locked_until)
        VALUES (?, ?) USING TTL ?`,
		identityKey, until, int(duration.Seconds())).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to set fallback lockout: %w", err)
	}
	return nil
}

// LockoutTTL reports the remaining lockout duration, zero when not locked.
func (r *FallbackRepository) LockoutTTL(ctx context.Context, identityKey string) (time.Duration, error) {
	var until time.Time
	err := r.client.Query(`
        SELECT locked_until FROM fallback_lockouts WHERE identity_key = ?`,
		identityKey).WithContext(ctx).Scan(&until)
	if err != nil {
		if err == gocql.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read fallback lockout: %w", err)
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, nil
}
