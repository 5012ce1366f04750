package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"helpdesk/internal/account"
)

const (
	defaultIssuer          = "helpdesk"
	defaultAccessAudience  = "helpdesk-api"
	defaultRefreshAudience = "helpdesk-refresh"
	defaultAccessTTL       = 24 * time.Hour
	defaultRefreshTTL      = 7 * 24 * time.Hour
)

// TokenConfig carries the signing key and the issuer/audience constants
// fixed for a deployment. Access and refresh tokens use distinct
// audiences so one can never be presented in place of the other.
type TokenConfig struct {
	Secret          []byte
	Issuer          string
	AccessAudience  string
	RefreshAudience string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
}

// Claims are the signed token claims: subject is the account id, the
// rest mirrors the account's identity at issue time. Authorization never
// trusts these beyond routing; the live account is re-fetched per request.
type Claims struct {
	Email      string `json:"email"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	config TokenConfig
	now    func() time.Time
}

func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token signing secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.AccessAudience == "" {
		cfg.AccessAudience = defaultAccessAudience
	}
	if cfg.RefreshAudience == "" {
		cfg.RefreshAudience = defaultRefreshAudience
	}
	if cfg.AccessAudience == cfg.RefreshAudience {
		return nil, errors.New("access and refresh audiences must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}

	return &TokenManager{
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *TokenManager) AccessTTL() time.Duration  { return m.config.AccessTTL }
func (m *TokenManager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

func (m *TokenManager) IssueAccessToken(a account.Account) (string, error) {
	return m.issue(a, m.config.AccessAudience, m.config.AccessTTL)
}

func (m *TokenManager) IssueRefreshToken(a account.Account) (string, error) {
	return m.issue(a, m.config.RefreshAudience, m.config.RefreshTTL)
}

func (m *TokenManager) issue(a account.Account, audience string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		Email:      a.Email,
		Role:       string(a.Role),
		Department: a.Department,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			Issuer:    m.config.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(m.config.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return encoded, nil
}

// VerifyAccessToken validates signature, issuer, access audience and
// time bounds, returning ErrTokenExpired, ErrTokenSignature or
// ErrTokenMalformed on failure.
func (m *TokenManager) VerifyAccessToken(token string) (Claims, error) {
	return m.verify(token, m.config.AccessAudience)
}

func (m *TokenManager) VerifyRefreshToken(token string) (Claims, error) {
	return m.verify(token, m.config.RefreshAudience)
}

func (m *TokenManager) verify(token, audience string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.config.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, ErrTokenSignature
		default:
			return Claims{}, ErrTokenMalformed
		}
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenMalformed
	}

	return claims, nil
}
