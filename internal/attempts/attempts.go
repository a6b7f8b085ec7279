// Package attempts enforces daily and per-session attempt caps.
package attempts

import (
	"fmt"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
)

// Config holds attempt limit settings.
type Config struct {
	MaxAttemptsPerDay     int
	MaxAttemptsPerSession int
	// ResetTimeHour is the local hour at which the daily counter rolls over.
	ResetTimeHour int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerDay:     2,
		MaxAttemptsPerSession: 5,
		ResetTimeHour:         0,
	}
}

// SessionSource provides read access to stored sessions.
type SessionSource interface {
	Get(userID string) (*domain.AudioSession, bool)
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	AttemptsUsed      int    `json:"attemptsUsed"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
}

// Stats summarizes a user's attempts.
type Stats struct {
	AttemptsToday     int        `json:"attemptsToday"`
	AttemptsRemaining int        `json:"attemptsRemaining"`
	TotalAttempts     int        `json:"totalAttempts"`
	LastAttemptDate   *time.Time `json:"lastAttemptDate,omitempty"`
}

// Service checks attempt limits against the session store.
type Service struct {
	sessions SessionSource
	cfg      Config
	now      func() time.Time
}

// NewService creates a limit service reading from sessions.
func NewService(sessions SessionSource, cfg Config) *Service {
	return &Service{
		sessions: sessions,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the active limits.
func (s *Service) Config() Config {
	return s.cfg
}

// Today returns the attempt-counting date for t.
// Before the reset hour, attempts still count toward the previous day.
func (s *Service) Today(t time.Time) string {
	if t.Hour() < s.cfg.ResetTimeHour {
		t = t.AddDate(0, 0, -1)
	}
	return t.Format(domain.DateLayout)
}

// CanStartAttempt checks the daily cap for a user.
func (s *Service) CanStartAttempt(userID string) Decision {
	sess, ok := s.sessions.Get(userID)
	if !ok {
		return Decision{Allowed: true, AttemptsRemaining: s.cfg.MaxAttemptsPerDay}
	}

	used := s.attemptsToday(sess)
	remaining := max(0, s.cfg.MaxAttemptsPerDay-used)
	if used >= s.cfg.MaxAttemptsPerDay {
		return Decision{
			Allowed:      false,
			Reason:       fmt.Sprintf("Daily attempt limit reached (%d attempts)", s.cfg.MaxAttemptsPerDay),
			AttemptsUsed: used,
		}
	}
	return Decision{Allowed: true, AttemptsUsed: used, AttemptsRemaining: remaining}
}

// CanReconnectToSession checks the per-session cap for a user.
func (s *Service) CanReconnectToSession(userID string) Decision {
	sess, ok := s.sessions.Get(userID)
	if !ok {
		return Decision{Allowed: true, AttemptsRemaining: s.cfg.MaxAttemptsPerSession}
	}

	used := 0
	for _, a := range sess.State.Attempts {
		if a.Closed() {
			used++
		}
	}
	if used >= s.cfg.MaxAttemptsPerSession {
		return Decision{
			Allowed:      false,
			Reason:       fmt.Sprintf("Session attempt limit reached (%d attempts)", s.cfg.MaxAttemptsPerSession),
			AttemptsUsed: used,
		}
	}
	return Decision{Allowed: true, AttemptsUsed: used, AttemptsRemaining: s.cfg.MaxAttemptsPerSession - used}
}

// GetAttemptStats summarizes the attempts recorded for a user.
func (s *Service) GetAttemptStats(userID string) Stats {
	sess, ok := s.sessions.Get(userID)
	if !ok {
		return Stats{AttemptsRemaining: s.cfg.MaxAttemptsPerDay}
	}

	today := s.attemptsToday(sess)
	stats := Stats{
		AttemptsToday:     today,
		AttemptsRemaining: max(0, s.cfg.MaxAttemptsPerDay-today),
		TotalAttempts:     len(sess.State.Attempts),
	}
	for _, a := range sess.State.Attempts {
		if a.EndTime == nil {
			continue
		}
		if stats.LastAttemptDate == nil || a.EndTime.After(*stats.LastAttemptDate) {
			end := *a.EndTime
			stats.LastAttemptDate = &end
		}
	}
	return stats
}

func (s *Service) attemptsToday(sess *domain.AudioSession) int {
	now := s.now()
	today := s.Today(now)
	n := 0
	for _, a := range sess.State.Attempts {
		if a.EndTime == nil {
			continue
		}
		if a.EndTime.In(now.Location()).Format(domain.DateLayout) == today {
			n++
		}
	}
	return n
}
