package token

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/bucketing"
	"authcore/internal/config"
	"authcore/internal/keys"
	"authcore/internal/model"
	"authcore/internal/util"
)

// RefreshStore is the durable record store for refresh tokens. Revoke must be
// compare-and-set: it returns true for exactly one caller per record.
type RefreshStore interface {
	Insert(rec *model.RefreshTokenRecord) error
	GetByHash(tokenHash string) (*model.RefreshTokenRecord, error)
	Revoke(tokenHash string, usedAt time.Time) (bool, error)
	RevokeAll(userBucket int, userID string) (int, error)
	RevokeFamily(userBucket int, userID, familyID string) (int, error)
}

// RefreshRejectedError reports why a refresh was refused. Callers map the
// reason to a client-facing response; the reason never names the token.
type RefreshRejectedError struct {
	Reason model.RejectReason
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("refresh rejected: %s", e.Reason)
}

// AccessClaims is the signed payload of an access token.
type AccessClaims struct {
	Identity string `json:"phn,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints Ed25519-signed access tokens and opaque rotating refresh
// tokens. Access tokens verify statelessly from the public key; refresh
// tokens are stored as SHA-256 hashes and rotate on every use, with reuse of
// a rotated-out token revoking the whole family.
type Issuer struct {
	store   RefreshStore
	keys    *keys.Provider
	buckets *bucketing.Manager
	cfg     config.TokenConfig

	// onReuse fires when a revoked refresh token is presented again. Wired
	// to the audit sink and escalation topic by the service layer.
	onReuse func(ctx context.Context, rec *model.RefreshTokenRecord)
}

func NewIssuer(store RefreshStore, provider *keys.Provider, buckets *bucketing.Manager, cfg config.TokenConfig) *Issuer {
	return &Issuer{
		store:   store,
		keys:    provider,
		buckets: buckets,
		cfg:     cfg,
	}
}

// OnReuse registers the reuse-detection hook.
func (i *Issuer) OnReuse(fn func(ctx context.Context, rec *model.RefreshTokenRecord)) {
	i.onReuse = fn
}

// IssuePair mints a fresh access/refresh pair for a newly verified user,
// starting a new refresh-token family.
func (i *Issuer) IssuePair(ctx context.Context, userID, identity, deviceInfo string) (*model.TokenPair, error) {
	return i.mintPair(userID, identity, deviceInfo, uuid.NewString())
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair minted in the same family. Exactly one concurrent caller per token can
// win the rotation; everyone else is treated as replaying a spent token.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, identity, deviceInfo string) (*model.TokenPair, error) {
	hash := hashToken(refreshToken)

	rec, err := i.store.GetByHash(hash)
	if err != nil {
		if errors.Is(err, model.ErrTokenNotFound) {
			return nil, &RefreshRejectedError{Reason: model.RejectNotFound}
		}
		return nil, err
	}

	if rec.Revoked {
		i.handleReuse(ctx, rec)
		return nil, &RefreshRejectedError{Reason: model.RejectReused}
	}

	now := time.Now().UTC()
	if now.After(rec.ExpiresAt) {
		// Expiry alone makes the token unusable. Leaving the record untouched
		// keeps a later presentation on this same path instead of tripping the
		// reuse detector over a benign client retry.
		return nil, &RefreshRejectedError{Reason: model.RejectExpired}
	}

	applied, err := i.store.Revoke(hash, now)
	if err != nil {
		if errors.Is(err, model.ErrTokenNotFound) {
			return nil, &RefreshRejectedError{Reason: model.RejectNotFound}
		}
		return nil, err
	}
	if !applied {
		// A concurrent caller rotated this token first; this presentation is
		// a replay of a spent token.
		i.handleReuse(ctx, rec)
		return nil, &RefreshRejectedError{Reason: model.RejectReused}
	}

	pair, err := i.mintPair(rec.UserID, identity, deviceInfo, rec.FamilyID)
	if err != nil {
		return nil, err
	}

	util.Debug("refresh token rotated",
		zap.String("user_id", rec.UserID),
		zap.String("family_id", rec.FamilyID))
	return pair, nil
}

// VerifyAccess validates an access token signature and claims. Purely
// computational: no storage round trip.
func (i *Issuer) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return i.keys.VerifyKey(kid)
	},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}
	if !tok.Valid {
		return nil, errors.New("invalid access token")
	}
	return claims, nil
}

// RevokeAll invalidates every refresh token the user holds, across families.
// Used on logout-everywhere and on compromise response.
func (i *Issuer) RevokeAll(ctx context.Context, userID string) (int, error) {
	revoked, err := i.store.RevokeAll(i.buckets.UserBucket(userID), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return revoked, nil
}

func (i *Issuer) handleReuse(ctx context.Context, rec *model.RefreshTokenRecord) {
	util.Warn("revoked refresh token presented again, revoking family",
		zap.String("user_id", rec.UserID),
		zap.String("family_id", rec.FamilyID))

	if _, err := i.store.RevokeFamily(rec.UserBucket, rec.UserID, rec.FamilyID); err != nil {
		util.Error("failed to revoke token family on reuse", zap.Error(err))
	}
	if i.onReuse != nil {
		i.onReuse(ctx, rec)
	}
}

func (i *Issuer) mintPair(userID, identity, deviceInfo, familyID string) (*model.TokenPair, error) {
	now := time.Now().UTC()
	accessExpiry := now.Add(i.cfg.AccessTTL)
	refreshExpiry := now.Add(i.cfg.RefreshTTL)

	access, err := i.signAccess(userID, identity, now, accessExpiry)
	if err != nil {
		return nil, err
	}

	refresh, err := generateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	rec := &model.RefreshTokenRecord{
		TokenID:    uuid.NewString(),
		FamilyID:   familyID,
		UserBucket: i.buckets.UserBucket(userID),
		UserID:     userID,
		TokenHash:  hashToken(refresh),
		DeviceInfo: deviceInfo,
		IssuedAt:   now,
		ExpiresAt:  refreshExpiry,
	}
	if err := i.store.Insert(rec); err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExpiry,
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

func (i *Issuer) signAccess(userID, identity string, now, expiry time.Time) (string, error) {
	claims := AccessClaims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			ID:        uuid.NewString(),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = i.keys.JWTKeyID()

	signed, err := tok.SignedString(i.keys.SigningKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// generateOpaqueToken returns a 256-bit random token in URL-safe base64.
// Only its SHA-256 hash is ever stored.
func generateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// PublicKey exposes the verification key for sidecar verifiers.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	pub, _ := i.keys.VerifyKey(i.keys.JWTKeyID())
	return pub
}
