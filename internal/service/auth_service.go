package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authcore/internal/audit"
	"authcore/internal/client"
	"authcore/internal/config"
	"authcore/internal/guard"
	"authcore/internal/model"
	"authcore/internal/token"
	"authcore/internal/util"
	"authcore/internal/vault"
)

// Deliverer hands a plaintext code to the delivery transport. The code must
// not outlive the call on this side; implementations own their own retries.
type Deliverer interface {
	Deliver(ctx context.Context, identity, code string, expiresAt time.Time) error
}

// LogDeliverer is the development transport: it logs that a delivery happened
// without the code itself.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(ctx context.Context, identity, code string, expiresAt time.Time) error {
	util.Info("code delivery (dev transport)",
		zap.String("identity", model.MaskIdentity(identity)),
		zap.Time("expires_at", expiresAt))
	return nil
}

// ThrottledError reports a send rejected by an abuse ceiling.
type ThrottledError struct {
	RetryAfter time.Duration
	Axis       string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("send throttled on %s, retry after %s", e.Axis, e.RetryAfter)
}

// LockedError reports a verification rejected by an active lockout.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("verification locked until %s", e.Until.Format(time.RFC3339))
}

// CodeRejectedError reports a verification that did not match.
type CodeRejectedError struct {
	Status            model.VerifyStatus
	RemainingAttempts int
}

func (e *CodeRejectedError) Error() string {
	return fmt.Sprintf("code rejected: %s", e.Status)
}

// AuthService orchestrates the security core around phone verification:
// admission through the abuse guard, challenge lifecycle through the vault,
// token issuance on success, and an audit record for every decision.
type AuthService struct {
	vault     *vault.Vault
	guard     *guard.Guard
	issuer    *token.Issuer
	sink      *audit.Sink
	kafka     *client.KafkaProducer
	deliverer Deliverer
	cfg       *config.Config
}

// userNamespace makes user ids a pure function of the verified identity, so
// the same phone always maps to the same subject without a user table.
var userNamespace = uuid.MustParse("9a175d9f-7f9a-44a5-bd26-e362ee447c9a")

func NewAuthService(v *vault.Vault, g *guard.Guard, i *token.Issuer, sink *audit.Sink, kafka *client.KafkaProducer, deliverer Deliverer, cfg *config.Config) *AuthService {
	s := &AuthService{
		vault:     v,
		guard:     g,
		issuer:    i,
		sink:      sink,
		kafka:     kafka,
		deliverer: deliverer,
		cfg:       cfg,
	}
	s.wireHooks()
	return s
}

// wireHooks connects component side channels to the audit trail and the
// escalation topic.
func (s *AuthService) wireHooks() {
	degrade := func(component string) func(op string, err error) {
		return func(op string, err error) {
			s.sink.Record(model.AuditEvent{
				EventType: model.EventStorageDegraded,
				Context:   fmt.Sprintf("%s/%s: %v", component, op, err),
			})
		}
	}
	s.vault.OnDegrade(degrade("vault"))
	s.guard.OnDegrade(degrade("guard"))

	s.issuer.OnReuse(func(ctx context.Context, rec *model.RefreshTokenRecord) {
		s.sink.Record(model.AuditEvent{
			EventType: model.EventTokenReuse,
			SubjectID: rec.UserID,
			Context:   fmt.Sprintf("family=%s device=%s", rec.FamilyID, rec.DeviceInfo),
		})
		if s.kafka != nil {
			if err := s.kafka.Escalate(ctx, rec.UserID, model.EventTokenReuse, map[string]string{
				"user_id":   rec.UserID,
				"family_id": rec.FamilyID,
			}); err != nil {
				util.Error("failed to escalate token reuse", zap.Error(err))
			}
		}
	})
}

// SendCode admits, issues, and delivers a verification code.
func (s *AuthService) SendCode(ctx context.Context, identity, origin string) (time.Time, error) {
	admission, err := s.guard.AdmitSend(ctx, identity, origin)
	if err != nil {
		return time.Time{}, err
	}
	if !admission.Admitted {
		s.sink.Record(model.AuditEvent{
			EventType:      model.EventSendThrottled,
			MaskedIdentity: model.MaskIdentity(identity),
			Origin:         origin,
			Context:        "axis=" + admission.Axis,
		})
		return time.Time{}, &ThrottledError{RetryAfter: admission.RetryAfter, Axis: admission.Axis}
	}

	handle, err := s.vault.Issue(ctx, identity)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.deliverer.Deliver(ctx, identity, handle.Code, handle.ExpiresAt); err != nil {
		// The challenge stays live; the client may retry against the same code
		// until the send ceiling says otherwise.
		util.Error("code delivery failed", zap.Error(err))
		return time.Time{}, fmt.Errorf("failed to deliver code: %w", err)
	}

	s.sink.Record(model.AuditEvent{
		EventType:      model.EventCodeIssued,
		MaskedIdentity: model.MaskIdentity(identity),
		Origin:         origin,
	})
	return handle.ExpiresAt, nil
}

// CodeStatus reports how long the identity's current challenge stays valid.
func (s *AuthService) CodeStatus(ctx context.Context, identity string) (time.Duration, error) {
	return s.vault.PeekRemainingValidity(ctx, identity)
}

// VerifyCode checks a submitted code and, on success, mints the token pair.
func (s *AuthService) VerifyCode(ctx context.Context, identity, code, origin, deviceInfo string) (*model.TokenPair, error) {
	lock, err := s.guard.CheckLocked(ctx, identity)
	if err != nil {
		return nil, err
	}
	if lock.Locked {
		s.sink.Record(model.AuditEvent{
			EventType:      model.EventLockoutRejected,
			MaskedIdentity: model.MaskIdentity(identity),
			Origin:         origin,
		})
		return nil, &LockedError{Until: lock.Until}
	}

	outcome, err := s.vault.Verify(ctx, identity, code)
	if err != nil {
		return nil, err
	}

	switch outcome.Status {
	case model.VerifyValid:
		if err := s.guard.Reset(ctx, identity); err != nil {
			util.Warn("failed to reset failure counter", zap.Error(err))
		}

		userID := UserID(identity)
		pair, err := s.issuer.IssuePair(ctx, userID, identity, deviceInfo)
		if err != nil {
			return nil, err
		}

		s.sink.Record(model.AuditEvent{
			EventType:      model.EventCodeVerified,
			SubjectID:      userID,
			MaskedIdentity: model.MaskIdentity(identity),
			Origin:         origin,
		})
		s.sink.Record(model.AuditEvent{
			EventType: model.EventTokenIssued,
			SubjectID: userID,
			Context:   "device=" + deviceInfo,
		})
		return pair, nil

	case model.VerifyInvalid:
		s.sink.Record(model.AuditEvent{
			EventType:      model.EventCodeInvalid,
			MaskedIdentity: model.MaskIdentity(identity),
			Origin:         origin,
			Context:        fmt.Sprintf("remaining=%d", outcome.RemainingAttempts),
		})
		if outcome.ThresholdReached {
			s.sink.Record(model.AuditEvent{
				EventType:      model.EventLockoutSet,
				MaskedIdentity: model.MaskIdentity(identity),
				Origin:         origin,
			})
			if s.kafka != nil {
				if err := s.kafka.Escalate(ctx, identity, model.EventLockoutSet, map[string]string{
					"masked_identity": model.MaskIdentity(identity),
					"origin":          origin,
				}); err != nil {
					util.Error("failed to escalate lockout", zap.Error(err))
				}
			}
		}
		return nil, &CodeRejectedError{Status: outcome.Status, RemainingAttempts: outcome.RemainingAttempts}

	case model.VerifyExpired:
		s.sink.Record(model.AuditEvent{
			EventType:      model.EventCodeExpired,
			MaskedIdentity: model.MaskIdentity(identity),
			Origin:         origin,
		})
		return nil, &CodeRejectedError{Status: outcome.Status}

	default:
		return nil, &CodeRejectedError{Status: model.VerifyNotFound}
	}
}

// Refresh rotates a refresh token into a new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, deviceInfo string) (*model.TokenPair, error) {
	pair, err := s.issuer.Refresh(ctx, refreshToken, "", deviceInfo)
	if err != nil {
		return nil, err
	}
	s.sink.Record(model.AuditEvent{
		EventType: model.EventTokenRefreshed,
		Context:   "device=" + deviceInfo,
	})
	return pair, nil
}

// Logout revokes every refresh token the subject holds.
func (s *AuthService) Logout(ctx context.Context, userID string) (int, error) {
	revoked, err := s.issuer.RevokeAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.sink.Record(model.AuditEvent{
		EventType: model.EventTokenRevokedAll,
		SubjectID: userID,
		Context:   fmt.Sprintf("revoked=%d", revoked),
	})
	return revoked, nil
}

// VerifyAccess validates an access token. Stateless.
func (s *AuthService) VerifyAccess(tokenString string) (*token.AccessClaims, error) {
	return s.issuer.VerifyAccess(tokenString)
}

// AuditEvents reads back audit events, preferring the search mirror.
func (s *AuthService) AuditEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditEvent, error) {
	return s.sink.Search(ctx, filter)
}

// UserID derives the stable subject id for a verified identity.
func UserID(identity string) string {
	return uuid.NewSHA1(userNamespace, []byte(identity)).String()
}
