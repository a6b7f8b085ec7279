package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
)

// Transitions below never modify their argument; each returns a new session.

// ParseExpectedWords lower-cases and splits text on whitespace.
func ParseExpectedWords(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// NewExerciseConfig builds an exercise config from raw reference text.
func NewExerciseConfig(exerciseType domain.ExerciseType, text string) (*domain.ExerciseConfig, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidExerciseText
	}
	return &domain.ExerciseConfig{
		ExerciseType:  exerciseType,
		ExpectedText:  text,
		ExpectedWords: ParseExpectedWords(text),
	}, nil
}

// Create returns the default inactive session for a user.
func Create(userID string) *domain.AudioSession {
	return &domain.AudioSession{
		UserID: userID,
		State: domain.SessionState{
			Attempts:            []domain.Attempt{},
			CurrentAttemptIndex: -1,
		},
	}
}

// Start activates the session with a new exercise and opens a new attempt.
func Start(s *domain.AudioSession, exerciseType domain.ExerciseType, text string, now time.Time) (*domain.AudioSession, error) {
	if s.State.IsActive {
		return nil, ErrSessionAlreadyActive
	}
	cfg, err := NewExerciseConfig(exerciseType, text)
	if err != nil {
		return nil, err
	}

	next := s.Clone()
	start := now
	next.State.IsActive = true
	next.State.ExerciseConfig = cfg
	next.State.NextWordToConfirmIndex = 0
	next.State.StartTime = &start
	next.State.EndTime = nil
	next.State.Attempts = append(next.State.Attempts, domain.Attempt{
		AttemptNumber: len(s.State.Attempts) + 1,
		StartTime:     now,
	})
	next.State.CurrentAttemptIndex = len(next.State.Attempts) - 1
	return next, nil
}

// Stop deactivates the session. The attempt in progress is left open.
func Stop(s *domain.AudioSession, now time.Time) (*domain.AudioSession, error) {
	if !s.State.IsActive {
		return nil, ErrSessionNotActive
	}
	next := s.Clone()
	end := now
	next.State.IsActive = false
	next.State.EndTime = &end
	next.State.NextWordToConfirmIndex = 0
	return next, nil
}

// AdvanceWordIndex moves the confirmation cursor forward by one.
func AdvanceWordIndex(s *domain.AudioSession) (*domain.AudioSession, error) {
	if s.State.ExerciseConfig == nil {
		return nil, ErrNoExerciseConfig
	}
	next := s.Clone()
	next.State.NextWordToConfirmIndex++
	return next, nil
}

// CanAdvanceWordIndex reports whether another expected word can be confirmed.
func CanAdvanceWordIndex(s *domain.AudioSession) bool {
	cfg := s.State.ExerciseConfig
	return s.State.IsActive && cfg != nil && s.State.NextWordToConfirmIndex < len(cfg.ExpectedWords)
}

// ResetWordIndex rewinds the confirmation cursor.
func ResetWordIndex(s *domain.AudioSession) *domain.AudioSession {
	next := s.Clone()
	next.State.NextWordToConfirmIndex = 0
	return next
}

// SetRecognitionHandle attaches a gateway handle reference.
func SetRecognitionHandle(s *domain.AudioSession, handleID string) *domain.AudioSession {
	next := s.Clone()
	next.HandleID = handleID
	return next
}

// ClearRecognitionHandle detaches the gateway handle reference.
func ClearRecognitionHandle(s *domain.AudioSession) *domain.AudioSession {
	next := s.Clone()
	next.HandleID = ""
	return next
}

// RecordFeedback stores the latest pronunciation result on the attempt in progress.
func RecordFeedback(s *domain.AudioSession, feedback json.RawMessage) (*domain.AudioSession, error) {
	if s.CurrentAttempt() == nil {
		return nil, ErrNoAttemptInProgress
	}
	next := s.Clone()
	next.CurrentAttempt().Feedback = append(json.RawMessage(nil), feedback...)
	return next, nil
}

// CloseAttempt finalizes the attempt in progress with a result.
// If result is empty, it is derived from whether feedback was received.
func CloseAttempt(s *domain.AudioSession, result domain.AttemptResult, now time.Time) (*domain.AudioSession, *domain.Attempt, error) {
	cur := s.CurrentAttempt()
	if cur == nil || cur.Closed() {
		return nil, nil, ErrNoAttemptInProgress
	}
	next := s.Clone()
	a := next.CurrentAttempt()
	if result == "" {
		result = domain.AttemptFail
		if len(a.Feedback) > 0 {
			result = domain.AttemptSuccess
		}
	}
	end := now
	a.EndTime = &end
	a.Duration = now.Sub(a.StartTime)
	a.Result = result
	next.State.CurrentAttemptIndex = -1

	closed := *a
	return next, &closed, nil
}

// ActiveFor returns how long an active session has been running.
func ActiveFor(s *domain.AudioSession, now time.Time) time.Duration {
	if !s.State.IsActive || s.State.StartTime == nil {
		return 0
	}
	return now.Sub(*s.State.StartTime)
}

// AbandonAttempt detaches the attempt in progress without closing it.
// An abandoned attempt has no result and never counts toward limits.
func AbandonAttempt(s *domain.AudioSession) *domain.AudioSession {
	next := s.Clone()
	next.State.CurrentAttemptIndex = -1
	return next
}
