package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"helpdesk/internal/account"
)

const (
	defaultLockThreshold = 5
	defaultLockDuration  = 30 * time.Minute
)

// CredentialStore is the persistence contract the auth core consumes.
// Reads used for authorization must return the current active/role
// state; tokens alone are never authoritative.
type CredentialStore interface {
	GetByEmail(ctx context.Context, email string) (account.Account, error)
	GetByID(ctx context.Context, id string) (account.Account, error)
	RegisterFailedLogin(ctx context.Context, id string, maxAttempts int, lockDuration time.Duration, now time.Time) (int, *time.Time, error)
	RecordLogin(ctx context.Context, id, refreshTokenHash string, refreshExpiresAt, now time.Time) error
	SetRefreshToken(ctx context.Context, id string, hash *string, expiresAt *time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// TokenPair is the login response payload. Refresh is omitted on
// refresh-only responses.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type Service struct {
	store         CredentialStore
	hasher        *PasswordHasher
	tokens        *TokenManager
	limiter       *LoginRateLimiter
	lockThreshold int
	lockDuration  time.Duration
	now           func() time.Time
}

func NewService(store CredentialStore, hasher *PasswordHasher, tokens *TokenManager, limiter *LoginRateLimiter) *Service {
	return &Service{
		store:         store,
		hasher:        hasher,
		tokens:        tokens,
		limiter:       limiter,
		lockThreshold: defaultLockThreshold,
		lockDuration:  defaultLockDuration,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithLockoutPolicy(threshold int, duration time.Duration) {
	if threshold > 0 {
		s.lockThreshold = threshold
	}
	if duration > 0 {
		s.lockDuration = duration
	}
}

// Login runs the full gate sequence: rate limiter, account lookup,
// lockout check, password verify. Unknown identifiers and wrong
// passwords are indistinguishable to the caller. A locked account is
// rejected before the password is even looked at, so a correct password
// cannot clear an active lock.
func (s *Service) Login(ctx context.Context, clientAddr, email, password string) (account.Account, TokenPair, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	now := s.now()

	if err := s.limiter.Allow(ctx, clientAddr, email); err != nil {
		return account.Account{}, TokenPair{}, err
	}

	if email == "" || password == "" {
		return account.Account{}, TokenPair{}, ErrInvalidCredentials
	}

	acct, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Account{}, TokenPair{}, ErrInvalidCredentials
		}
		return account.Account{}, TokenPair{}, fmt.Errorf("lookup account: %w", err)
	}

	if !acct.Active {
		return account.Account{}, TokenPair{}, ErrAccountDisabled
	}

	if acct.LockedUntil != nil && now.Before(*acct.LockedUntil) {
		return account.Account{}, TokenPair{}, AccountLockedError{Until: *acct.LockedUntil}
	}

	if !s.hasher.Verify(password, acct.PasswordHash) {
		_, lockedUntil, regErr := s.store.RegisterFailedLogin(ctx, acct.ID, s.lockThreshold, s.lockDuration, now)
		if regErr != nil {
			return account.Account{}, TokenPair{}, fmt.Errorf("register failed login: %w", regErr)
		}
		if lockedUntil != nil && now.Before(*lockedUntil) {
			return account.Account{}, TokenPair{}, AccountLockedError{Until: *lockedUntil}
		}
		return account.Account{}, TokenPair{}, ErrInvalidCredentials
	}

	refreshToken, err := s.tokens.IssueRefreshToken(acct)
	if err != nil {
		return account.Account{}, TokenPair{}, err
	}

	refreshHash := hashRefreshToken(refreshToken)
	refreshExpires := now.Add(s.tokens.RefreshTTL())
	if err := s.store.RecordLogin(ctx, acct.ID, refreshHash, refreshExpires, now); err != nil {
		return account.Account{}, TokenPair{}, fmt.Errorf("record login: %w", err)
	}

	// Rate-limit state is advisory; a failed reset must not fail the login.
	_ = s.limiter.Clear(ctx, clientAddr, email)

	accessToken, err := s.tokens.IssueAccessToken(acct)
	if err != nil {
		return account.Account{}, TokenPair{}, err
	}

	acct.LoginAttempts = 0
	acct.LockedUntil = nil
	acct.LastLogin = &now
	acct.RefreshTokenHash = &refreshHash
	acct.RefreshExpiresAt = &refreshExpires

	return acct, TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Refresh exchanges a live refresh token for a new access token. The
// refresh token is not rotated; it stays valid until logout or the next
// full login overwrites it. Any failure requires a fresh login.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	claims, err := s.tokens.VerifyRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	acct, err := s.store.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, fmt.Errorf("lookup account: %w", err)
	}
	if !acct.Active || acct.RefreshTokenHash == nil {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	presented := hashRefreshToken(refreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(*acct.RefreshTokenHash)) != 1 {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	accessToken, err := s.tokens.IssueAccessToken(acct)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes the account's stored refresh token. Outstanding access
// tokens keep their cryptographic validity until expiry but the refresh
// path is closed immediately.
func (s *Service) Logout(ctx context.Context, accountID string) error {
	if err := s.store.SetRefreshToken(ctx, accountID, nil, nil); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	acct, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}

	if !s.hasher.Verify(currentPassword, acct.PasswordHash) {
		return ErrInvalidCurrentPassword
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.store.UpdatePassword(ctx, accountID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
