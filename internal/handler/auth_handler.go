package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authcore/internal/model"
	"authcore/internal/service"
	"authcore/internal/token"
	"authcore/internal/util"
	"authcore/internal/vault"
)

// AuthHandler exposes the security core over HTTP.
type AuthHandler struct {
	authService *service.AuthService
	logger      *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		logger:      logger,
	}
}

// Response represents a standard API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers all auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/code/send", h.SendCode)
		r.Get("/code/status", h.CodeStatus)
		r.Post("/code/verify", h.VerifyCode)
		r.Post("/token/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/logout", h.Logout)
		})
	})

	router.Route("/audit", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/events", h.AuditEvents)
	})
}

type sendCodeRequest struct {
	Phone string `json:"phone"`
}

// SendCode issues and delivers a verification code, subject to the abuse
// ceilings.
func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req sendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Phone == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("phone is required"), "Missing phone")
		return
	}

	expiresAt, err := h.authService.SendCode(ctx, req.Phone, clientOrigin(r))
	if err != nil {
		var throttled *service.ThrottledError
		if errors.As(err, &throttled) {
			w.Header().Set("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds())))
			h.respondWithError(w, http.StatusTooManyRequests, err, "Too many requests")
			return
		}
		var active *vault.ActiveChallengeError
		if errors.As(err, &active) {
			w.Header().Set("Retry-After", strconv.Itoa(int(active.RetryIn.Seconds())))
			h.respondWithError(w, http.StatusConflict, err, "Code still active")
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]interface{}{
		"expires_at": expiresAt,
	}, "Code sent"))
	h.logger.Info("code sent via HTTP",
		util.String("identity", model.MaskIdentity(req.Phone)),
		util.Duration("duration", time.Since(startTime)))
}

// CodeStatus reports the remaining validity of the caller's challenge.
func (h *AuthHandler) CodeStatus(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("phone is required"), "Missing phone")
		return
	}

	remaining, err := h.authService.CodeStatus(r.Context(), phone)
	if err != nil {
		if errors.Is(err, model.ErrNoChallenge) {
			h.respondWithError(w, http.StatusNotFound, err, "No active code")
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to read code status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"remaining_seconds": int(remaining.Seconds()),
	}, "Code active"))
}

type verifyCodeRequest struct {
	Phone      string `json:"phone"`
	Code       string `json:"code"`
	DeviceInfo string `json:"device_info"`
}

// VerifyCode checks a submitted code and returns the token pair on success.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Phone == "" || req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("phone and code are required"), "Missing fields")
		return
	}

	pair, err := h.authService.VerifyCode(ctx, req.Phone, req.Code, clientOrigin(r), req.DeviceInfo)
	if err != nil {
		var locked *service.LockedError
		if errors.As(err, &locked) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(locked.Until).Seconds())))
			h.respondWithError(w, http.StatusLocked, err, "Verification locked")
			return
		}
		var rejected *service.CodeRejectedError
		if errors.As(err, &rejected) {
			h.respondWithJSON(w, http.StatusUnauthorized, Response{
				Success: false,
				Error:   rejected.Status.String(),
				Data: map[string]interface{}{
					"remaining_attempts": rejected.RemainingAttempts,
				},
				Message: "Code rejected",
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Verified"))
	h.logger.Info("code verified via HTTP",
		util.String("identity", model.MaskIdentity(req.Phone)),
		util.Duration("duration", time.Since(startTime)))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceInfo   string `json:"device_info"`
}

// Refresh rotates a refresh token into a new pair.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("refresh_token is required"), "Missing refresh token")
		return
	}

	pair, err := h.authService.Refresh(r.Context(), req.RefreshToken, req.DeviceInfo)
	if err != nil {
		var rejected *token.RefreshRejectedError
		if errors.As(err, &rejected) {
			h.respondWithError(w, http.StatusUnauthorized, err, "Refresh rejected")
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Refreshed"))
}

// Logout revokes every refresh token the authenticated subject holds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, errors.New("no subject"), "Unauthorized")
		return
	}

	revoked, err := h.authService.Logout(r.Context(), userID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to logout")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"revoked": revoked,
	}, "Logged out"))
}

// AuditEvents serves the audit query path.
func (h *AuthHandler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{
		EventType: q.Get("type"),
		SubjectID: q.Get("subject"),
		Origin:    q.Get("origin"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	events, err := h.authService.AuditEvents(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to query audit events")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(events, "OK"))
}

type contextKey string

const subjectKey contextKey = "subject"

// RequireAuth validates the bearer token and stashes the subject in context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Unauthorized")
			return
		}

		claims, err := h.authService.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, err, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subjectFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok && v != ""
}

// clientOrigin is the abuse-counter origin axis: the calling IP, as resolved
// by the RealIP middleware.
func clientOrigin(r *http.Request) string {
	if host := r.RemoteAddr; host != "" {
		if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.HasSuffix(host, "]") {
			return host[:idx]
		}
		return host
	}
	return "unknown"
}

func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNoChallenge), errors.Is(err, model.ErrTokenNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, code int, err error, message string) {
	h.respondWithJSON(w, code, errorResponse(err, message))
}
