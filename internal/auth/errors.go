package auth

import (
	"errors"
	"fmt"
	"time"
)

// Stable machine-readable codes surfaced at the HTTP boundary.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	CodeAccountDisabled     = "ACCOUNT_DISABLED"
	CodeAccountLocked       = "ACCOUNT_LOCKED"
	CodeTooManyAttempts     = "TOO_MANY_ATTEMPTS"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeNoToken             = "NO_TOKEN"
	CodeInvalidToken        = "INVALID_TOKEN"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeInvalidCurrentPass  = "INVALID_CURRENT_PASSWORD"
)

var (
	// ErrInvalidCredentials covers both unknown identifiers and wrong
	// passwords so responses do not reveal whether an account exists.
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrAccountDisabled        = errors.New("account is disabled")
	ErrInvalidRefreshToken    = errors.New("invalid refresh token")
	ErrInvalidCurrentPassword = errors.New("current password is incorrect")
	ErrPermissionDenied       = errors.New("permission denied")

	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
)

// AccountLockedError carries the time at which login becomes possible
// again after repeated failures.
type AccountLockedError struct {
	Until time.Time
}

func (e AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

// RateLimitError is returned when the per (client address, identifier)
// attempt cap is exceeded, independent of account lockout state.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("too many login attempts, retry after %s", e.RetryAfter)
}
