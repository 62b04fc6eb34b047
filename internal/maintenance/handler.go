package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"admin-auth/internal/auth"
	"admin-auth/internal/observability"
)

// CleanupHandler purges stale authentication data: expired reset tokens,
// expired revoked-token entries, stale lockout rows and stale rate windows.
// It is meant to be called by a cron job holding the shared secret.
type CleanupHandler struct {
	store      auth.Store
	logger     *observability.Logger
	cronSecret string
	retention  time.Duration
	batchSize  int
}

func NewCleanupHandler(store auth.Store, logger *observability.Logger, cronSecret string, retention time.Duration, batchSize int) *CleanupHandler {
	return &CleanupHandler{
		store:      store,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		batchSize:  batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.store.CleanupStale(r.Context(), h.retention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_reset_tokens":   result.DeletedResetTokens,
		"deleted_revoked_tokens": result.DeletedRevokedTokens,
		"deleted_login_attempts": result.DeletedLoginAttempts,
		"deleted_rate_windows":   result.DeletedRateWindows,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
