package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/speakeasy/internal/identity"
)

// GetInfo returns the server version and the limits clients must respect.
func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	limits := h.attempts.Config()
	JSON(w, http.StatusOK, map[string]interface{}{
		"version": h.cfg.Version,
		"limits": map[string]interface{}{
			"messagesPerWindow":     h.cfg.MessageLimit,
			"windowSeconds":         h.cfg.RateWindow.Seconds(),
			"maxAudioKB":            h.cfg.MaxAudioKB,
			"maxAttemptsPerDay":     limits.MaxAttemptsPerDay,
			"maxAttemptsPerSession": limits.MaxAttemptsPerSession,
			"resetHour":             limits.ResetTimeHour,
			"minAttemptSeconds":     h.cfg.MinAttemptSeconds,
		},
		"engine": map[string]bool{
			"enabled":          h.cfg.EngineEnabled,
			"phoneticMatching": h.cfg.PhoneticMatching,
		},
	})
}

// GetSessionStats returns session counts and per-session durations.
func (h *Handler) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.sessions.Snapshot(h.now())
	JSON(w, http.StatusOK, map[string]interface{}{
		"totalSessions":  stats.TotalSessions,
		"activeSessions": stats.ActiveSessions,
		"connections":    h.conns.Count(),
		"sessions":       stats.Sessions,
	})
}

// GetMe returns the caller's profile, attempt counters and recent history.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	history, err := h.repo.ListAttempts(r.Context(), userID, h.cfg.HistoryLimit)
	if err != nil {
		slog.Error("Failed to list attempts", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user":      user,
		"stats":     h.attempts.GetAttemptStats(userID),
		"connected": h.conns.IsConnected(userID),
		"recovery":  h.recovery.GetRecoveryInfo(userID),
		"history":   history,
	})
}
