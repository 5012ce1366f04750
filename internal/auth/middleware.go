package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"helpdesk/internal/account"
)

type ctxKey int

const identityKey ctxKey = iota

// Identity is the resolved caller attached to the request context by
// Authenticate: the live account plus the access token's expiry.
type Identity struct {
	Account   account.Account
	ExpiresAt time.Time
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// WithIdentity returns a context carrying the resolved identity. The
// middleware attaches it after verification; handler tests use it to
// exercise routes without minting tokens.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

type Middleware struct {
	tokens       *TokenManager
	store        CredentialStore
	fetchTimeout time.Duration
}

func NewMiddleware(tokens *TokenManager, store CredentialStore) *Middleware {
	return &Middleware{tokens: tokens, store: store, fetchTimeout: 2 * time.Second}
}

// Authenticate verifies the bearer token and re-fetches the account so
// deactivation takes effect immediately: a token that is still
// cryptographically valid is necessary but not sufficient.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, CodeNoToken, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			writeError(w, http.StatusUnauthorized, CodeNoToken, "invalid authorization header")
			return
		}

		claims, err := m.tokens.VerifyAccessToken(strings.TrimSpace(parts[1]))
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, CodeInvalidToken, "token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
			return
		}

		fetchCtx, cancel := context.WithTimeout(r.Context(), m.fetchTimeout)
		acct, err := m.store.GetByID(fetchCtx, claims.Subject)
		cancel()
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, CodeInvalidToken, "invalid token")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
			return
		}
		if !acct.Active {
			writeError(w, http.StatusUnauthorized, CodeAccountDisabled, "account is disabled")
			return
		}

		identity := Identity{Account: acct, ExpiresAt: claims.ExpiresAt.Time}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireRole rejects callers whose live role is outside the allowed
// set. It must run inside Authenticate.
func RequireRole(roles ...account.Role) func(http.Handler) http.Handler {
	allowed := make(map[account.Role]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeNoToken, "missing authorization token")
				return
			}
			if !allowed[identity.Account.Role] {
				writeError(w, http.StatusForbidden, CodePermissionDenied, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole(account.RoleAdmin)(next)
}

func RequireTechnician(next http.Handler) http.Handler {
	return RequireRole(account.RoleAdmin, account.RoleTechnician)(next)
}

// RequireCapability checks the caller's role capability table for
// action:resource before the handler runs.
func RequireCapability(action, resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeNoToken, "missing authorization token")
				return
			}
			if !identity.Account.Role.Can(action, resource) {
				writeError(w, http.StatusForbidden, CodePermissionDenied, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
