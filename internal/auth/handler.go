package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator"

	"helpdesk/internal/account"
	"helpdesk/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, validate: validator.New()}
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
}

type loginResponse struct {
	Account account.Account `json:"account"`
	Tokens  TokenPair       `json:"tokens"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=200"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "identifier and password are required")
		return
	}

	acct, tokens, err := h.service.Login(r.Context(), observability.ClientIP(r), body.Identifier, body.Password)
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Account: acct, Tokens: tokens})
}

func (h *Handler) writeLoginError(w http.ResponseWriter, err error) {
	var rateErr RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rateErr.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, CodeTooManyAttempts, "too many login attempts")
		return
	}

	var lockedErr AccountLockedError
	if errors.As(err, &lockedErr) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(lockedErr.Until))))
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"code":         CodeAccountLocked,
			"error":        "account temporarily locked",
			"locked_until": lockedErr.Until.UTC().Format(time.RFC3339),
		})
		return
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
	case errors.Is(err, ErrAccountDisabled):
		writeError(w, http.StatusUnauthorized, CodeAccountDisabled, "account is disabled")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to login")
	}
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "refresh_token is required")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			writeError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Verify reports the authenticated caller and the remaining lifetime of
// the presented access token. Mounted behind Authenticate.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeNoToken, "missing authorization token")
		return
	}

	expiresIn := int64(time.Until(identity.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":    identity.Account,
		"expires_in": expiresIn,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeNoToken, "missing authorization token")
		return
	}

	if err := h.service.Logout(r.Context(), identity.Account.ID); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to logout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, CodeNoToken, "missing authorization token")
		return
	}

	var body changePasswordRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "current_password and new_password (min 8 chars) are required")
		return
	}

	if err := h.service.ChangePassword(r.Context(), identity.Account.ID, body.CurrentPassword, body.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCurrentPassword) {
			writeError(w, http.StatusBadRequest, CodeInvalidCurrentPass, "current password is incorrect")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to change password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid json body")
		return false
	}
	return true
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}
