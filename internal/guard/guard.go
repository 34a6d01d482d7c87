package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authcore/internal/config"
	"authcore/internal/model"
	"authcore/internal/util"
)

// AbuseStore holds the guard's counters and lockout records. Check and
// increment happen in one atomic step per key, so the ceilings hold under
// concurrent sends from any number of instances.
type AbuseStore interface {
	AdmitIdentity(ctx context.Context, identityKey string, ceiling int, window time.Duration) (bool, time.Duration, error)
	AdmitOrigin(ctx context.Context, origin string, ceiling int, window time.Duration) (bool, time.Duration, error)
	RegisterFailure(ctx context.Context, identityKey string, threshold int, counterTTL, lockoutTTL time.Duration) (bool, error)
	LockoutTTL(ctx context.Context, identityKey string) (time.Duration, error)
	ResetFailures(ctx context.Context, identityKey string) error
}

// ScopedStore is the shape the durable fallback exposes: one windowed counter
// primitive keyed by an opaque scope string.
type ScopedStore interface {
	AdmitScoped(ctx context.Context, scopeKey string, ceiling int, window time.Duration) (bool, time.Duration, error)
	RegisterFailure(ctx context.Context, identityKey string, threshold int, counterTTL, lockoutTTL time.Duration) (bool, error)
	LockoutTTL(ctx context.Context, identityKey string) (time.Duration, error)
	ResetFailures(ctx context.Context, identityKey string) error
}

// NewFallbackStore adapts a ScopedStore to the AbuseStore interface by
// prefixing scope keys per axis.
func NewFallbackStore(s ScopedStore) AbuseStore {
	return &scopedAdapter{s: s}
}

type scopedAdapter struct {
	s ScopedStore
}

func (a *scopedAdapter) AdmitIdentity(ctx context.Context, identityKey string, ceiling int, window time.Duration) (bool, time.Duration, error) {
	return a.s.AdmitScoped(ctx, "send_count:identity:"+identityKey, ceiling, window)
}

func (a *scopedAdapter) AdmitOrigin(ctx context.Context, origin string, ceiling int, window time.Duration) (bool, time.Duration, error) {
	return a.s.AdmitScoped(ctx, "send_count:origin:"+origin, ceiling, window)
}

func (a *scopedAdapter) RegisterFailure(ctx context.Context, identityKey string, threshold int, counterTTL, lockoutTTL time.Duration) (bool, error) {
	return a.s.RegisterFailure(ctx, identityKey, threshold, counterTTL, lockoutTTL)
}

func (a *scopedAdapter) LockoutTTL(ctx context.Context, identityKey string) (time.Duration, error) {
	return a.s.LockoutTTL(ctx, identityKey)
}

func (a *scopedAdapter) ResetFailures(ctx context.Context, identityKey string) error {
	return a.s.ResetFailures(ctx, identityKey)
}

// Guard enforces the abuse ceilings around code delivery and verification:
// per-identity and per-origin send limits over a sliding window, and a
// verification lockout once an identity burns through its failure budget.
type Guard struct {
	store    AbuseStore
	fallback AbuseStore
	cfg      config.GuardConfig

	onDegrade func(op string, err error)
}

func New(store AbuseStore, fallback AbuseStore, cfg config.GuardConfig) *Guard {
	return &Guard{store: store, fallback: fallback, cfg: cfg}
}

// OnDegrade registers the degraded-mode alert hook.
func (g *Guard) OnDegrade(fn func(op string, err error)) {
	g.onDegrade = fn
}

// AdmitSend charges one send against both the identity and origin ceilings.
// The two counters are independent, so both are checked concurrently and the
// send is admitted only when both allow it. A send rejected on one axis may
// still have charged the other; the ceilings are conservative by intent.
func (g *Guard) AdmitSend(ctx context.Context, identityKey, origin string) (model.Admission, error) {
	var (
		identityOK, originOK       bool
		identityRetry, originRetry time.Duration
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ok, retry, err := g.admitIdentity(egCtx, identityKey)
		identityOK, identityRetry = ok, retry
		return err
	})
	eg.Go(func() error {
		ok, retry, err := g.admitOrigin(egCtx, origin)
		originOK, originRetry = ok, retry
		return err
	})
	if err := eg.Wait(); err != nil {
		return model.Admission{}, err
	}

	if !identityOK {
		util.Info("send rejected by identity ceiling",
			zap.Duration("retry_after", identityRetry))
		return model.Admission{RetryAfter: identityRetry, Axis: "identity"}, nil
	}
	if !originOK {
		util.Info("send rejected by origin ceiling",
			zap.Duration("retry_after", originRetry))
		return model.Admission{RetryAfter: originRetry, Axis: "origin"}, nil
	}
	return model.Admission{Admitted: true}, nil
}

// CheckLocked reports whether the identity is currently locked out of
// verification.
func (g *Guard) CheckLocked(ctx context.Context, identityKey string) (model.LockState, error) {
	ttl, err := g.store.LockoutTTL(ctx, identityKey)
	if err != nil {
		if g.fallback == nil {
			return model.LockState{}, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		ttl, err = g.degrade("check_locked", err).LockoutTTL(ctx, identityKey)
		if err != nil {
			return model.LockState{}, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
	}
	if ttl <= 0 {
		return model.LockState{}, nil
	}
	return model.LockState{Locked: true, Until: time.Now().UTC().Add(ttl)}, nil
}

// RegisterFailure records one failed verification and derives the lockout
// once the threshold is reached. The returned bool reports whether this
// failure established the lockout.
func (g *Guard) RegisterFailure(ctx context.Context, identityKey string) (bool, error) {
	lockedNow, err := g.store.RegisterFailure(ctx, identityKey,
		g.cfg.LockoutThreshold, g.cfg.SendWindow, g.cfg.LockoutDuration)
	if err != nil {
		if g.fallback == nil {
			return false, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		lockedNow, err = g.degrade("register_failure", err).RegisterFailure(ctx, identityKey,
			g.cfg.LockoutThreshold, g.cfg.SendWindow, g.cfg.LockoutDuration)
		if err != nil {
			return false, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
	}
	return lockedNow, nil
}

// Reset clears the failure counter after a successful verification. Send
// counters and any active lockout are left to expire on their own.
func (g *Guard) Reset(ctx context.Context, identityKey string) error {
	err := g.store.ResetFailures(ctx, identityKey)
	if err != nil && g.fallback != nil {
		err = g.degrade("reset", err).ResetFailures(ctx, identityKey)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return nil
}

func (g *Guard) admitIdentity(ctx context.Context, identityKey string) (bool, time.Duration, error) {
	ok, retry, err := g.store.AdmitIdentity(ctx, identityKey, g.cfg.IdentitySendCeiling, g.cfg.SendWindow)
	if err == nil {
		return ok, retry, nil
	}
	if g.fallback == nil {
		return false, 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	ok, retry, err = g.degrade("admit_identity", err).AdmitIdentity(ctx, identityKey, g.cfg.IdentitySendCeiling, g.cfg.SendWindow)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return ok, retry, nil
}

func (g *Guard) admitOrigin(ctx context.Context, origin string) (bool, time.Duration, error) {
	ok, retry, err := g.store.AdmitOrigin(ctx, origin, g.cfg.OriginSendCeiling, g.cfg.SendWindow)
	if err == nil {
		return ok, retry, nil
	}
	if g.fallback == nil {
		return false, 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	ok, retry, err = g.degrade("admit_origin", err).AdmitOrigin(ctx, origin, g.cfg.OriginSendCeiling, g.cfg.SendWindow)
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}
	return ok, retry, nil
}

func (g *Guard) degrade(op string, err error) AbuseStore {
	util.Warn("abuse counters unavailable, degrading to durable fallback",
		zap.String("op", op), zap.Error(err))
	if g.onDegrade != nil {
		g.onDegrade(op, err)
	}
	return g.fallback
}
