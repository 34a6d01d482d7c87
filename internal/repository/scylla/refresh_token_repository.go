package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authcore/internal/model"
	"authcore/internal/util"
)

// TokenRef is the slim row kept in the per-user index table, enough to
// revoke a user's or family's tokens without reading full records.
type TokenRef struct {
	TokenID   string
	TokenHash string
	FamilyID  string
}

// RefreshTokenRepository is the durable store for refresh-token records.
// Lookups go through the hash-keyed table; per-user enumeration goes through
// a small index table written alongside every insert.
type RefreshTokenRepository struct {
	client *ScyllaClient
}

func NewRefreshTokenRepository(client *ScyllaClient) *RefreshTokenRepository {
	return &RefreshTokenRepository{client: client}
}

// Insert persists a new refresh-token record plus its per-user index row in
// one logged batch.
func (r *RefreshTokenRepository) Insert(rec *model.RefreshTokenRecord) error {
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(`
        INSERT INTO refresh_tokens (
            token_hash, token_id, family_id, user_bucket, user_id,
            device_info, issued_at, expires_at, revoked, last_used_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TokenHash, rec.TokenID, rec.FamilyID, rec.UserBucket, rec.UserID,
		rec.DeviceInfo, rec.IssuedAt, rec.ExpiresAt, rec.Revoked, rec.LastUsedAt)
	batch.Query(`
        INSERT INTO user_refresh_tokens (user_bucket, user_id, token_id, token_hash, family_id, issued_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserBucket, rec.UserID, rec.TokenID, rec.TokenHash, rec.FamilyID, rec.IssuedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("failed to insert refresh token record",
			zap.String("token_id", rec.TokenID),
			zap.Error(err))
		return fmt.Errorf("failed to insert refresh token record: %w", err)
	}

	util.Debug("refresh token record inserted",
		zap.String("token_id", rec.TokenID),
		zap.String("family_id", rec.FamilyID))
	return nil
}

// GetByHash loads a record by its token hash.
func (r *RefreshTokenRepository) GetByHash(tokenHash string) (*model.RefreshTokenRecord, error) {
	rec := &model.RefreshTokenRecord{}

	query := r.client.Prepared.GetTokenByHash.Bind(tokenHash)
	err := r.client.ScanWithRetry(query,
		&rec.TokenHash, &rec.TokenID, &rec.FamilyID, &rec.UserBucket, &rec.UserID,
		&rec.DeviceInfo, &rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked, &rec.LastUsedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrTokenNotFound
		}
		util.Error("failed to get refresh token by hash", zap.Error(err))
		return nil, fmt.Errorf("failed to get refresh token by hash: %w", err)
	}
	return rec, nil
}

// Revoke flips the record to revoked via a lightweight transaction. The
// returned bool reports whether this caller applied the update; false means
// the record was already revoked, which the issuer treats as a reuse signal.
func (r *RefreshTokenRepository) Revoke(tokenHash string, usedAt time.Time) (bool, error) {
	applied, err := r.client.Prepared.RevokeTokenCAS.
		Bind(usedAt, tokenHash).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, model.ErrTokenNotFound
		}
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return applied, nil
}

// ListByUser returns all token refs for a user, revoked or not.
func (r *RefreshTokenRepository) ListByUser(userBucket int, userID string) ([]TokenRef, error) {
	iter := r.client.Prepared.ListUserTokens.Bind(userBucket, userID).Iter()

	var refs []TokenRef
	var ref TokenRef
	for iter.Scan(&ref.TokenID, &ref.TokenHash, &ref.FamilyID) {
		refs = append(refs, ref)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list user refresh tokens: %w", err)
	}
	return refs, nil
}

// RevokeAll marks every non-revoked record for the user as revoked.
// Best effort per row: a row already revoked is not an error here.
func (r *RefreshTokenRepository) RevokeAll(userBucket int, userID string) (int, error) {
	refs, err := r.ListByUser(userBucket, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	revoked := 0
	for _, ref := range refs {
		applied, err := r.Revoke(ref.TokenHash, now)
		if err != nil && err != model.ErrTokenNotFound {
			return revoked, err
		}
		if applied {
			revoked++
		}
	}

	util.Info("revoked all refresh tokens for user",
		zap.String("user_id", userID),
		zap.Int("revoked", revoked))
	return revoked, nil
}

// RevokeFamily revokes every token in one rotation chain. Used when a
// revoked token is presented again.
func (r *RefreshTokenRepository) RevokeFamily(userBucket int, userID, familyID string) (int, error) {
	refs, err := r.ListByUser(userBucket, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	revoked := 0
	for _, ref := range refs {
		if ref.FamilyID != familyID {
			continue
		}
		applied, err := r.Revoke(ref.TokenHash, now)
		if err != nil && err != model.ErrTokenNotFound {
			return revoked, err
		}
		if applied {
			revoked++
		}
	}

	util.Warn("revoked refresh token family",
		zap.String("family_id", familyID),
		zap.Int("revoked", revoked))
	return revoked, nil
}
