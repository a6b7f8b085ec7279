package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/recovery"
	"github.com/ashureev/speakeasy/internal/session"
)

const persistTimeout = 5 * time.Second

var errUserReconnected = errors.New("user reconnected")

func (h *Handler) handleStartSession(ctx context.Context, conn *Conn, text string) error {
	cfg, err := h.beginExercise(ctx, conn, text)
	if err != nil {
		return err
	}
	h.send(ctx, conn, protocol.SessionStarted(cfg))
	h.send(ctx, conn, protocol.StreamReady(cfg))
	return nil
}

// handleSubmitExercise replaces the current exercise. An active attempt is
// closed first and counts toward the limits like a stop would.
func (h *Handler) handleSubmitExercise(ctx context.Context, conn *Conn, text string) error {
	userID := conn.UserID()
	if sess, ok := h.sessions.Get(userID); ok && sess.State.IsActive {
		h.streams.Close(ctx, userID)
		if err := h.finishActive(ctx, userID, ""); err != nil && !errors.Is(err, session.ErrSessionNotActive) {
			return err
		}
	}

	cfg, err := h.beginExercise(ctx, conn, text)
	if err != nil {
		return err
	}
	h.send(ctx, conn, protocol.ExerciseSubmitted(cfg))
	h.send(ctx, conn, protocol.StreamReady(cfg))
	return nil
}

// beginExercise checks limits, starts the session and opens the engine
// stream. If the engine cannot start, the session is left inactive and the
// attempt is abandoned.
func (h *Handler) beginExercise(ctx context.Context, conn *Conn, text string) (*domain.ExerciseConfig, error) {
	userID := conn.UserID()
	if err := h.checkDailyLimit(ctx, userID); err != nil {
		return nil, err
	}

	now := h.now()
	sess, err := h.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil {
			cur = session.Create(userID)
		}
		return session.Start(cur, domain.ExerciseTongueTwister, text, now)
	})
	if err != nil {
		return nil, err
	}
	cfg := sess.State.ExerciseConfig.Clone()

	if _, err := h.streams.Open(ctx, conn, cfg.ExpectedText); err != nil {
		slog.Error("Failed to open recognition stream", "user_id", userID, "error", err)
		h.abandon(userID)
		return nil, err
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := h.profiles.RecordSession(persistCtx, userID); err != nil {
		slog.Warn("Failed to record session start", "user_id", userID, "error", err)
	}

	slog.Info("Exercise started", "user_id", userID, "attempt", sess.CurrentAttempt().AttemptNumber, "words", len(cfg.ExpectedWords))
	return cfg, nil
}

// checkDailyLimit consults both the in-memory attempts and the persisted
// profile, so a dropped session cannot reset the daily count.
func (h *Handler) checkDailyLimit(ctx context.Context, userID string) error {
	decision := h.attempts.CanStartAttempt(userID)
	if !decision.Allowed {
		return newCodedError(protocol.CodeDailyLimitExceeded, decision.Reason, map[string]any{
			"attemptsUsed": decision.AttemptsUsed,
		})
	}

	usage, err := h.profiles.CheckUsage(ctx, userID)
	if err != nil {
		slog.Warn("Failed to check persisted usage", "user_id", userID, "error", err)
		return nil
	}
	if !usage.Allowed {
		return newCodedError(protocol.CodeDailyLimitExceeded,
			fmt.Sprintf("Daily attempt limit reached (%d attempts)", usage.DailyLimit),
			map[string]any{"attemptsUsed": usage.AttemptsToday})
	}
	return nil
}

func (h *Handler) handleAudioData(ctx context.Context, conn *Conn, audioBase64 string) error {
	userID := conn.UserID()
	sess, ok := h.sessions.Get(userID)
	if !ok || !sess.State.IsActive {
		return recognition.ErrNoActiveConnection
	}
	err := h.streams.SendAudio(ctx, userID, audioBase64)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, recognition.ErrNoActiveConnection), errors.Is(err, recognition.ErrInvalidAudioFormat):
		return err
	default:
		slog.Warn("Failed to forward audio", "user_id", userID, "error", err)
		return newCodedError(protocol.CodeEngineNotReady, "Speech recognition stream not ready", nil)
	}
}

func (h *Handler) handleStopSession(ctx context.Context, conn *Conn) error {
	userID := conn.UserID()
	sess, ok := h.sessions.Get(userID)
	if !ok {
		return session.ErrSessionNotFound
	}
	if !sess.State.IsActive {
		return session.ErrSessionNotActive
	}

	h.streams.Close(ctx, userID)
	if err := h.finishActive(ctx, userID, ""); err != nil {
		return err
	}
	slog.Info("Exercise stopped", "user_id", userID)
	h.send(ctx, conn, protocol.StreamStopped())
	return nil
}

func (h *Handler) handleReconnect(ctx context.Context, conn *Conn, m protocol.Reconnect) error {
	userID := conn.UserID()

	id, err := h.verifier.VerifyToken(ctx, m.IDToken)
	if err != nil {
		slog.Warn("Reconnect token verification failed", "user_id", userID, "error", err)
		return newCodedError(protocol.CodeAuthFailed, "Authentication failed", nil)
	}
	if id.UID != userID {
		return newCodedError(protocol.CodeAuthFailed, "Token does not match the authenticated user", nil)
	}

	decision := h.attempts.CanReconnectToSession(userID)
	if !decision.Allowed {
		return newCodedError(protocol.CodeReconnectLimitExceeded, decision.Reason, map[string]any{
			"attemptsUsed": decision.AttemptsUsed,
		})
	}

	recoverable := h.recovery.CanRecoverSession(userID)
	res := h.recovery.HandleReconnection(ctx, conn, recovery.Request{IDToken: m.IDToken, SessionID: m.SessionID})
	if !res.Success {
		if recoverable {
			h.abandon(userID)
		}
		return newCodedError(protocol.CodeReconnectFailed, res.Error, map[string]any{"sessionId": res.SessionID})
	}

	message := "Reconnected successfully"
	switch {
	case res.SessionRestored:
		message = "Session restored successfully"
	case res.Error != "":
		message = res.Error
	}
	h.send(ctx, conn, protocol.ReconnectResult(message, res.SessionRestored, res.SessionID, res.ExerciseConfig))
	if res.SessionRestored {
		h.send(ctx, conn, protocol.StreamReady(res.ExerciseConfig))
	}
	slog.Info("Reconnect handled", "user_id", userID, "restored", res.SessionRestored)
	return nil
}

// finishActive stops the user's active session and closes its attempt.
// An empty result is derived from whether feedback was received.
func (h *Handler) finishActive(ctx context.Context, userID string, result domain.AttemptResult) error {
	return h.closeActive(ctx, userID, result, nil)
}

// finishIfDisconnected is finishActive for connection teardown. It leaves the
// session alone once a newer connection holds the user.
func (h *Handler) finishIfDisconnected(ctx context.Context, userID string, result domain.AttemptResult) error {
	return h.closeActive(ctx, userID, result, func() bool { return h.registry.IsConnected(userID) })
}

func (h *Handler) closeActive(ctx context.Context, userID string, result domain.AttemptResult, keep func() bool) error {
	now := h.now()
	var closed *domain.Attempt
	var cfg *domain.ExerciseConfig

	_, err := h.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil {
			return nil, session.ErrSessionNotFound
		}
		if keep != nil && keep() {
			return nil, errUserReconnected
		}
		cfg = cur.State.ExerciseConfig.Clone()
		next, err := session.Stop(cur, now)
		if err != nil {
			return nil, err
		}
		if withResult, attempt, err := session.CloseAttempt(next, result, now); err == nil {
			next, closed = withResult, attempt
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	if closed != nil {
		h.recordAttempt(ctx, userID, cfg, closed)
	}
	return nil
}

// abandon stops the session if needed and detaches the attempt in progress.
func (h *Handler) abandon(userID string) {
	now := h.now()
	_, err := h.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil {
			return nil, nil
		}
		next := cur
		if next.State.IsActive {
			stopped, err := session.Stop(next, now)
			if err != nil {
				return nil, err
			}
			next = stopped
		}
		return session.AbandonAttempt(next), nil
	})
	if err != nil {
		slog.Warn("Failed to abandon attempt", "user_id", userID, "error", err)
	}
}

func (h *Handler) recordAttempt(ctx context.Context, userID string, cfg *domain.ExerciseConfig, a *domain.Attempt) {
	h.metrics.RecordAttempt(ctx, string(a.Result))

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	rec := &domain.AttemptRecord{
		UserID:        userID,
		AttemptNumber: a.AttemptNumber,
		StartTime:     a.StartTime,
		Duration:      a.Duration,
		Result:        a.Result,
		Feedback:      a.Feedback,
	}
	if a.EndTime != nil {
		rec.EndTime = *a.EndTime
	}
	if cfg != nil {
		rec.ExerciseType = cfg.ExerciseType
		rec.ExpectedText = cfg.ExpectedText
	}
	if err := h.profiles.RecordAttempt(persistCtx, rec); err != nil {
		slog.Warn("Failed to record attempt", "user_id", userID, "error", err)
	}
	if _, err := h.profiles.IncrementAttempts(persistCtx, userID); err != nil {
		slog.Warn("Failed to increment attempts", "user_id", userID, "error", err)
	}
	slog.Info("Attempt closed", "user_id", userID, "attempt", a.AttemptNumber, "result", a.Result, "duration", a.Duration)
}
