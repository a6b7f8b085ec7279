package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
)

const sweepInterval = time.Minute

// ExpireCallback is called for an active session whose connection has been
// gone for longer than the TTL. The callback owns timing the attempt out.
type ExpireCallback func(ctx context.Context, userID string)

// SweeperConfig configures the idle session sweeper.
type SweeperConfig struct {
	TTL      time.Duration
	Interval time.Duration
	// IsConnected reports whether a user currently holds a live connection.
	IsConnected func(userID string) bool
	OnExpire    ExpireCallback
	Now         func() time.Time
}

// StartSweeper runs a background goroutine that periodically drops sessions
// left behind by connections that never came back.
func StartSweeper(ctx context.Context, store *Store, cfg SweeperConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = sweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", cfg.Interval, "ttl", cfg.TTL)

		for {
			select {
			case <-ticker.C:
				sweepExpiredSessions(ctx, store, cfg)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredSessions(ctx context.Context, store *Store, cfg SweeperConfig) (removed, expired int) {
	now := cfg.Now()
	for _, sess := range store.List() {
		if cfg.IsConnected != nil && cfg.IsConnected(sess.UserID) {
			continue
		}
		if now.Sub(lastActivity(sess)) < cfg.TTL {
			continue
		}

		if sess.State.IsActive {
			slog.Info("Session sweeper timing out abandoned session", "user_id", sess.UserID)
			if cfg.OnExpire != nil {
				cfg.OnExpire(ctx, sess.UserID)
			}
			expired++
			continue
		}

		// Re-check under the store lock: a reconnect may have raced the sweep.
		_, _ = store.Update(sess.UserID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
			if cur == nil || cur.State.IsActive || now.Sub(lastActivity(cur)) < cfg.TTL {
				return cur, nil
			}
			removed++
			return nil, nil
		})
	}

	if removed > 0 || expired > 0 {
		slog.Info("Session sweeper cleanup completed", "removed", removed, "expired", expired)
	}
	return removed, expired
}

func lastActivity(sess *domain.AudioSession) time.Time {
	var last time.Time
	if sess.State.StartTime != nil {
		last = *sess.State.StartTime
	}
	if sess.State.EndTime != nil && sess.State.EndTime.After(last) {
		last = *sess.State.EndTime
	}
	for _, a := range sess.State.Attempts {
		if a.EndTime != nil && a.EndTime.After(last) {
			last = *a.EndTime
		}
	}
	return last
}
