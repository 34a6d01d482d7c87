package model

import (
	"errors"
	"time"
)

// Shared sentinels returned by both the ephemeral store and its durable
// fallback, so callers can branch without knowing which backend served them.
var (
	ErrNoChallenge        = errors.New("no active challenge")
	ErrTokenNotFound      = errors.New("refresh token not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// VerificationChallenge is the ephemeral record backing one outstanding OTP.
// At most one non-consumed, non-expired challenge exists per identity key;
// issuing a new one replaces the old atomically.
type VerificationChallenge struct {
	IdentityKey string    `json:"identity_key"`
	Ciphertext  string    `json:"ciphertext"`
	Nonce       string    `json:"nonce"`
	KeyID       string    `json:"key_id"`
	Attempts    int       `json:"attempts"`
	Consumed    bool      `json:"consumed"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChallengeHandle is returned to the orchestration layer on issue. Code is
// handed to the delivery transport and must never be persisted or logged.
type ChallengeHandle struct {
	IdentityKey string
	Code        string
	ExpiresAt   time.Time
}

// VerifyStatus classifies the outcome of a verification attempt.
type VerifyStatus int

const (
	VerifyValid VerifyStatus = iota
	VerifyInvalid
	VerifyExpired
	VerifyNotFound
)

func (s VerifyStatus) String() string {
	switch s {
	case VerifyValid:
		return "valid"
	case VerifyInvalid:
		return "invalid"
	case VerifyExpired:
		return "expired"
	case VerifyNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// VerifyOutcome carries the status plus the attempts the caller has left
// before lockout (meaningful only for VerifyInvalid).
type VerifyOutcome struct {
	Status            VerifyStatus
	RemainingAttempts int
	// ThresholdReached is set when this failure was the one that exhausted
	// the attempt budget and established a lockout as a side effect.
	ThresholdReached bool
}

// Admission is the result of a send-code admission check.
type Admission struct {
	Admitted   bool
	RetryAfter time.Duration
	// Axis names which ceiling rejected the request: "identity" or "origin".
	Axis string
}

// LockState reports whether an identity is locked out of verification.
type LockState struct {
	Locked bool
	Until  time.Time
}

// TokenPair is the access/refresh pair handed back on login or rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RefreshTokenRecord is the durable row for one refresh token. Only the
// SHA-256 hash of the token is stored; the plaintext exists client-side only.
type RefreshTokenRecord struct {
	TokenID    string     `db:"token_id"`
	FamilyID   string     `db:"family_id"`
	UserBucket int        `db:"user_bucket"`
	UserID     string     `db:"user_id"`
	TokenHash  string     `db:"token_hash"`
	DeviceInfo string     `db:"device_info"`
	IssuedAt   time.Time  `db:"issued_at"`
	ExpiresAt  time.Time  `db:"expires_at"`
	Revoked    bool       `db:"revoked"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

// RejectReason classifies refresh rejections.
type RejectReason string

const (
	RejectNotFound RejectReason = "not_found"
	RejectRevoked  RejectReason = "revoked"
	RejectReused   RejectReason = "reused"
	RejectExpired  RejectReason = "expired"
)

// AuditEvent is an append-only security event. Identity is masked to the
// last four digits before it reaches this struct.
type AuditEvent struct {
	EventID        string    `json:"event_id"`
	EventBucket    int       `json:"event_bucket"`
	EventType      string    `json:"event_type"`
	SubjectID      string    `json:"subject_id,omitempty"`
	MaskedIdentity string    `json:"masked_identity,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	Context        string    `json:"context,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Audit event types recorded by the core.
const (
	EventCodeIssued        = "code_issued"
	EventCodeVerified      = "code_verified"
	EventCodeInvalid       = "code_invalid"
	EventCodeExpired       = "code_expired"
	EventSendThrottled     = "send_throttled"
	EventLockoutSet        = "lockout_set"
	EventLockoutRejected   = "lockout_rejected"
	EventTokenIssued       = "token_issued"
	EventTokenRefreshed    = "token_refreshed"
	EventTokenReuse        = "token_reuse_detected"
	EventTokenRevokedAll   = "token_revoked_all"
	EventStorageDegraded   = "storage_degraded"
	EventAuditWriteFailure = "audit_write_failure"
)

// AuditFilter narrows the audit query read path.
type AuditFilter struct {
	EventType string
	SubjectID string
	Origin    string
	From      time.Time
	To        time.Time
	Limit     int
}

// MaskIdentity keeps only the last four characters of an identity string.
// Everything else is replaced so raw identifiers never reach the audit trail.
func MaskIdentity(identity string) string {
	if len(identity) <= 4 {
		return "****"
	}
	return "****" + identity[len(identity)-4:]
}
