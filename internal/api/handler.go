// Package api provides HTTP handlers for the speakeasy API.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/speakeasy/internal/attempts"
	"github.com/ashureev/speakeasy/internal/recovery"
	"github.com/ashureev/speakeasy/internal/session"
	"github.com/ashureev/speakeasy/internal/store"
	"github.com/go-chi/chi/v5"
)

// Connections reports live WebSocket connections.
type Connections interface {
	Count() int
	IsConnected(userID string) bool
}

// RecoveryInfo describes whether a user's stored session can be resumed.
type RecoveryInfo interface {
	GetRecoveryInfo(userID string) recovery.Info
}

// Config holds values exposed by the informational endpoints.
type Config struct {
	Version           string
	MessageLimit      int
	RateWindow        time.Duration
	MaxAudioKB        float64
	EngineEnabled     bool
	PhoneticMatching  bool
	HistoryLimit      int
	MinAttemptSeconds float64
}

// Handler serves the REST surface next to the WebSocket endpoint.
type Handler struct {
	repo     store.Repository
	sessions *session.Store
	conns    Connections
	attempts *attempts.Service
	recovery RecoveryInfo
	cfg      Config
	now      func() time.Time
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Store, conns Connections, att *attempts.Service, rec RecoveryInfo, cfg Config) *Handler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Handler{
		repo:     repo,
		sessions: sessions,
		conns:    conns,
		attempts: att,
		recovery: rec,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RegisterRoutes registers the /api routes. auth guards per-user endpoints.
func (h *Handler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/info", h.GetInfo)
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Get("/me", h.GetMe)
			r.Get("/sessions/stats", h.GetSessionStats)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
