package session

import (
	"sort"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
)

// Info is a point-in-time summary of one session. UserID is kept for
// server-side logging and is never serialized.
type Info struct {
	UserID              string              `json:"-"`
	IsActive            bool                `json:"isActive"`
	ExerciseType        domain.ExerciseType `json:"exerciseType,omitempty"`
	Attempts            int                 `json:"attempts"`
	CurrentAttemptIndex int                 `json:"currentAttemptIndex"`
	NextWordIndex       int                 `json:"nextWordToConfirmIndex"`
	Streaming           bool                `json:"streaming"`
	ActiveForMs         int64               `json:"activeForMs"`
}

// Stats summarizes every stored session.
type Stats struct {
	TotalSessions  int    `json:"totalSessions"`
	ActiveSessions int    `json:"activeSessions"`
	Sessions       []Info `json:"sessions"`
}

// Snapshot returns stats for all sessions, ordered by user ID.
func (s *Store) Snapshot(now time.Time) Stats {
	list := s.List()
	stats := Stats{
		TotalSessions: len(list),
		Sessions:      make([]Info, 0, len(list)),
	}
	for _, sess := range list {
		info := Info{
			UserID:              sess.UserID,
			IsActive:            sess.State.IsActive,
			Attempts:            len(sess.State.Attempts),
			CurrentAttemptIndex: sess.State.CurrentAttemptIndex,
			NextWordIndex:       sess.State.NextWordToConfirmIndex,
			Streaming:           sess.HandleID != "",
			ActiveForMs:         ActiveFor(sess, now).Milliseconds(),
		}
		if sess.State.ExerciseConfig != nil {
			info.ExerciseType = sess.State.ExerciseConfig.ExerciseType
		}
		if info.IsActive {
			stats.ActiveSessions++
		}
		stats.Sessions = append(stats.Sessions, info)
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].UserID < stats.Sessions[j].UserID
	})
	return stats
}
