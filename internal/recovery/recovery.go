// Package recovery reconciles a new connection with a stored session.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/session"
	"github.com/google/uuid"
)

// Opener re-establishes a recognition stream for a connection.
type Opener interface {
	Open(ctx context.Context, conn recognition.Conn, expectedText string) (string, error)
}

// Request is a reconnect request.
type Request struct {
	IDToken   string
	SessionID string
}

// Result is the outcome of HandleReconnection.
type Result struct {
	Success         bool
	SessionRestored bool
	SessionID       string
	ExerciseConfig  *domain.ExerciseConfig
	Error           string
}

// Info describes whether a stored session can be recovered.
type Info struct {
	CanRecover     bool                   `json:"canRecover"`
	ExerciseConfig *domain.ExerciseConfig `json:"exerciseConfig,omitempty"`
}

// Service restores sessions across reconnects.
type Service struct {
	sessions *session.Store
	opener   Opener
	now      func() time.Time
}

// NewService creates a recovery service.
func NewService(sessions *session.Store, opener Opener) *Service {
	return &Service{sessions: sessions, opener: opener, now: time.Now}
}

// HandleReconnection restores the connection user's session. An active
// session gets a fresh recognition stream for its stored exercise. If that
// fails the session is stopped so it is never left active without a stream.
func (s *Service) HandleReconnection(ctx context.Context, conn recognition.Conn, req Request) Result {
	if req.IDToken == "" {
		return Result{Error: "Missing authentication token"}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := conn.UserID()

	sess, ok := s.sessions.Get(userID)
	if !ok {
		return Result{Success: true, SessionID: sessionID, Error: "No existing session found"}
	}

	if !sess.State.IsActive || sess.State.ExerciseConfig == nil {
		return Result{Success: true, SessionID: sessionID, ExerciseConfig: sess.State.ExerciseConfig.Clone()}
	}

	cfg := sess.State.ExerciseConfig.Clone()
	if _, err := s.opener.Open(ctx, conn, cfg.ExpectedText); err != nil {
		slog.Error("Failed to restore recognition stream", "user_id", userID, "error", err)
		s.stop(userID)
		return Result{
			SessionID: sessionID,
			Error:     fmt.Sprintf("Failed to restore recognition connection: %v", err),
		}
	}

	slog.Info("Session restored", "user_id", userID, "expected_text", cfg.ExpectedText)
	return Result{Success: true, SessionRestored: true, SessionID: sessionID, ExerciseConfig: cfg}
}

func (s *Service) stop(userID string) {
	_, err := s.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil || !cur.State.IsActive {
			return cur, nil
		}
		return session.Stop(cur, s.now())
	})
	if err != nil {
		slog.Warn("Failed to stop session after restore failure", "user_id", userID, "error", err)
	}
}

// CanRecoverSession reports whether userID has an active session with an exercise.
func (s *Service) CanRecoverSession(userID string) bool {
	return s.GetRecoveryInfo(userID).CanRecover
}

// GetRecoveryInfo describes the stored session of userID without changing it.
func (s *Service) GetRecoveryInfo(userID string) Info {
	sess, ok := s.sessions.Get(userID)
	if !ok {
		return Info{}
	}
	return Info{
		CanRecover:     sess.State.IsActive && sess.State.ExerciseConfig != nil,
		ExerciseConfig: sess.State.ExerciseConfig.Clone(),
	}
}
