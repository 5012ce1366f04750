package account

import "time"

// Account is the credential record behind every login. The refresh token
// is stored as a sha256 hex digest; at most one value is live at a time
// and a new login overwrites it.
type Account struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	PasswordHash     string     `json:"-"`
	Role             Role       `json:"role"`
	Department       string     `json:"department"`
	Active           bool       `json:"active"`
	LoginAttempts    int        `json:"-"`
	LockedUntil      *time.Time `json:"-"`
	RefreshTokenHash *string    `json:"-"`
	RefreshExpiresAt *time.Time `json:"-"`
	LastLogin        *time.Time `json:"last_login,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
