package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"helpdesk/internal/account"
	"helpdesk/internal/observability"
)

// CleanupHandler purges stale auth state: lockouts whose window has
// passed and refresh tokens past their expiry. It is meant to be hit by
// a cron with a shared bearer secret; without a configured secret the
// endpoint pretends not to exist.
type CleanupHandler struct {
	repo       *account.Repository
	logger     *observability.Logger
	cronSecret string
}

func NewCleanupHandler(repo *account.Repository, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		repo:       repo,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	now := time.Now().UTC()

	clearedLockouts, err := h.repo.ClearExpiredLockouts(r.Context(), now)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	revokedTokens, err := h.repo.RevokeExpiredRefreshTokens(r.Context(), now)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"cleared_lockouts":       clearedLockouts,
		"revoked_refresh_tokens": revokedTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]int64{
			"cleared_lockouts":       clearedLockouts,
			"revoked_refresh_tokens": revokedTokens,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
