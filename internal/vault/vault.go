package vault

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"authcore/internal/config"
	"authcore/internal/keys"
	"authcore/internal/model"
	"authcore/internal/util"
)

// ChallengeStore is the per-identity challenge state machine. The primary
// implementation is Redis-backed; the Scylla fallback serves degraded mode.
// Every method must be atomic per identity key as observed by concurrent
// callers.
type ChallengeStore interface {
	Store(ctx context.Context, ch *model.VerificationChallenge, carryAttempts bool) (int, error)
	Fetch(ctx context.Context, identityKey string) (*model.VerificationChallenge, error)
	RegisterMismatch(ctx context.Context, identityKey string, maxAttempts int) (int, error)
	Consume(ctx context.Context, identityKey string) (bool, error)
	RemainingValidity(ctx context.Context, identityKey string) (time.Duration, error)
	DeleteExpired(ctx context.Context, identityKey string) error
}

// FailureReporter receives each invalid verification so the Abuse Guard can
// establish a lockout at its threshold.
type FailureReporter interface {
	RegisterFailure(ctx context.Context, identityKey string) (bool, error)
}

// Vault owns the OTP challenge lifecycle: generate, seal, store, verify.
// The plaintext code exists only in transit to the delivery transport and is
// never persisted or logged.
type Vault struct {
	store    ChallengeStore
	fallback ChallengeStore
	keys     *keys.Provider
	guard    FailureReporter
	cfg      config.OTPConfig

	// onDegrade fires when a primary-store failure routes an operation to
	// the durable fallback. Wired to the audit sink by the service layer.
	onDegrade func(op string, err error)
}

func New(store ChallengeStore, fallback ChallengeStore, provider *keys.Provider, guard FailureReporter, cfg config.OTPConfig) *Vault {
	return &Vault{
		store:    store,
		fallback: fallback,
		keys:     provider,
		guard:    guard,
		cfg:      cfg,
	}
}

// OnDegrade registers the degraded-mode alert hook.
func (v *Vault) OnDegrade(fn func(op string, err error)) {
	v.onDegrade = fn
}

// ActiveChallengeError reports an issue refused because the identity's
// current challenge is still comfortably inside its validity window. Reissue
// opens up once remaining validity drops to the reissue window.
type ActiveChallengeError struct {
	Remaining time.Duration
	RetryIn   time.Duration
}

func (e *ActiveChallengeError) Error() string {
	return fmt.Sprintf("challenge still valid for %s", e.Remaining)
}

// Issue generates and stores a fresh challenge, atomically invalidating any
// prior one for the identity. A live challenge blocks reissue until it enters
// the final reissue window; attempt counts carry forward across reissue so a
// rapid resend cannot reset abuse protection.
func (v *Vault) Issue(ctx context.Context, identityKey string) (*model.ChallengeHandle, error) {
	if remaining, err := v.stores("issue").RemainingValidity(ctx, identityKey); err == nil && remaining > v.cfg.ReissueWindow {
		return nil, &ActiveChallengeError{
			Remaining: remaining,
			RetryIn:   remaining - v.cfg.ReissueWindow,
		}
	}

	code, err := generateCode(v.cfg.Digits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	ciphertext, nonce, kid, err := v.keys.SealCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to seal code: %w", err)
	}

	now := time.Now().UTC()
	ch := &model.VerificationChallenge{
		IdentityKey: identityKey,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		KeyID:       kid,
		CreatedAt:   now,
		ExpiresAt:   now.Add(v.cfg.TTL),
	}

	if _, err := v.stores("issue").Store(ctx, ch, true); err != nil {
		return nil, err
	}

	util.Debug("challenge issued", zap.Time("expires_at", ch.ExpiresAt))
	return &model.ChallengeHandle{
		IdentityKey: identityKey,
		Code:        code,
		ExpiresAt:   ch.ExpiresAt,
	}, nil
}

// Verify checks a submitted code against the stored challenge. The compare
// is fixed-time, and the missing-challenge path burns an equivalent compare
// so response timing does not reveal whether a challenge exists.
func (v *Vault) Verify(ctx context.Context, identityKey, submitted string) (model.VerifyOutcome, error) {
	ch, err := v.stores("verify").Fetch(ctx, identityKey)
	if err != nil {
		if errors.Is(err, model.ErrNoChallenge) {
			burnCompare(submitted)
			return model.VerifyOutcome{Status: model.VerifyNotFound}, nil
		}
		return model.VerifyOutcome{}, err
	}

	if ch.Consumed {
		burnCompare(submitted)
		return model.VerifyOutcome{Status: model.VerifyNotFound}, nil
	}

	if time.Now().UTC().After(ch.ExpiresAt) {
		burnCompare(submitted)
		if err := v.stores("verify").DeleteExpired(ctx, identityKey); err != nil {
			util.Warn("failed to delete expired challenge", zap.Error(err))
		}
		return model.VerifyOutcome{Status: model.VerifyExpired}, nil
	}

	code, err := v.keys.OpenCode(ch.Ciphertext, ch.Nonce, ch.KeyID)
	if err != nil {
		// Undecryptable ciphertext means lost key material, not user error.
		return model.VerifyOutcome{}, fmt.Errorf("failed to open challenge: %w", err)
	}

	if codesEqual(submitted, code) {
		won, err := v.stores("verify").Consume(ctx, identityKey)
		if err != nil {
			return model.VerifyOutcome{}, err
		}
		if !won {
			// A concurrent verify consumed the challenge first.
			return model.VerifyOutcome{Status: model.VerifyNotFound}, nil
		}
		return model.VerifyOutcome{Status: model.VerifyValid}, nil
	}

	attempts, err := v.stores("verify").RegisterMismatch(ctx, identityKey, v.cfg.MaxAttempts)
	if err != nil {
		return model.VerifyOutcome{}, err
	}
	if attempts < 0 {
		return model.VerifyOutcome{Status: model.VerifyNotFound}, nil
	}

	thresholdReached, err := v.guard.RegisterFailure(ctx, identityKey)
	if err != nil {
		util.Error("failed to report verification failure", zap.Error(err))
	}

	remaining := v.cfg.MaxAttempts - attempts
	if remaining < 0 {
		remaining = 0
	}
	return model.VerifyOutcome{
		Status:            model.VerifyInvalid,
		RemainingAttempts: remaining,
		ThresholdReached:  thresholdReached,
	}, nil
}

// PeekRemainingValidity reports how long the current challenge stays valid.
// The service layer uses it to allow early reissue inside the final window.
func (v *Vault) PeekRemainingValidity(ctx context.Context, identityKey string) (time.Duration, error) {
	return v.stores("peek").RemainingValidity(ctx, identityKey)
}

// stores returns a store view that fails over to the durable fallback on
// infrastructure errors, raising the degraded-mode alert as it does.
func (v *Vault) stores(op string) ChallengeStore {
	return &failoverStore{vault: v, op: op}
}

// failoverStore tries the primary store and degrades to the fallback on
// infrastructure failure. Domain outcomes (no challenge) pass through.
type failoverStore struct {
	vault *Vault
	op    string
}

func (f *failoverStore) degrade(err error) ChallengeStore {
	util.Warn("ephemeral store unavailable, degrading to durable fallback",
		zap.String("op", f.op), zap.Error(err))
	if f.vault.onDegrade != nil {
		f.vault.onDegrade(f.op, err)
	}
	return f.vault.fallback
}

func (f *failoverStore) Store(ctx context.Context, ch *model.VerificationChallenge, carry bool) (int, error) {
	n, err := f.vault.store.Store(ctx, ch, carry)
	if err == nil || isDomainErr(err) {
		return n, err
	}
	if f.vault.fallback == nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	n, ferr := f.degrade(err).Store(ctx, ch, carry)
	if ferr != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, ferr)
	}
	return n, nil
}

func (f *failoverStore) Fetch(ctx context.Context, identityKey string) (*model.VerificationChallenge, error) {
	ch, err := f.vault.store.Fetch(ctx, identityKey)
	if err == nil || isDomainErr(err) {
		return ch, err
	}
	if f.vault.fallback == nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return f.degrade(err).Fetch(ctx, identityKey)
}

func (f *failoverStore) RegisterMismatch(ctx context.Context, identityKey string, max int) (int, error) {
	n, err := f.vault.store.RegisterMismatch(ctx, identityKey, max)
	if err == nil || isDomainErr(err) {
		return n, err
	}
	if f.vault.fallback == nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return f.degrade(err).RegisterMismatch(ctx, identityKey, max)
}

func (f *failoverStore) Consume(ctx context.Context, identityKey string) (bool, error) {
	ok, err := f.vault.store.Consume(ctx, identityKey)
	if err == nil || isDomainErr(err) {
		return ok, err
	}
	if f.vault.fallback == nil {
		return false, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return f.degrade(err).Consume(ctx, identityKey)
}

func (f *failoverStore) RemainingValidity(ctx context.Context, identityKey string) (time.Duration, error) {
	d, err := f.vault.store.RemainingValidity(ctx, identityKey)
	if err == nil || isDomainErr(err) {
		return d, err
	}
	if f.vault.fallback == nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return f.degrade(err).RemainingValidity(ctx, identityKey)
}

func (f *failoverStore) DeleteExpired(ctx context.Context, identityKey string) error {
	err := f.vault.store.DeleteExpired(ctx, identityKey)
	if err == nil || isDomainErr(err) {
		return err
	}
	if f.vault.fallback == nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return f.degrade(err).DeleteExpired(ctx, identityKey)
}

func isDomainErr(err error) bool {
	return errors.Is(err, model.ErrNoChallenge)
}

// generateCode draws a uniformly distributed zero-padded numeric code from
// a cryptographically secure source.
func generateCode(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// codesEqual is a fixed-time comparison independent of where a mismatch
// occurs. Length differences short-circuit inside ConstantTimeCompare, so
// unequal lengths are handled by comparing the submission against itself.
func codesEqual(submitted, actual string) bool {
	if len(submitted) != len(actual) {
		subtle.ConstantTimeCompare([]byte(submitted), []byte(submitted))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(actual)) == 1
}

// burnCompare equalizes timing on paths with nothing to compare against.
func burnCompare(submitted string) {
	decoy := make([]byte, len(submitted))
	subtle.ConstantTimeCompare([]byte(submitted), decoy)
}
