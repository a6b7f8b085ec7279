package domain

import (
	"encoding/json"
	"time"
)

// ExerciseType identifies the kind of pronunciation exercise.
type ExerciseType string

// ExerciseTongueTwister is the only supported exercise kind.
const ExerciseTongueTwister ExerciseType = "tongueTwister"

// ExerciseConfig describes the reference phrase of an exercise.
type ExerciseConfig struct {
	ExerciseType  ExerciseType `json:"exerciseType"`
	ExpectedText  string       `json:"expectedText"`
	ExpectedWords []string     `json:"expectedWords"`
}

// Clone returns a deep copy of the config.
func (c *ExerciseConfig) Clone() *ExerciseConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ExpectedWords = append([]string(nil), c.ExpectedWords...)
	return &cp
}

// AttemptResult is the outcome of a closed attempt.
type AttemptResult string

const (
	AttemptSuccess AttemptResult = "success"
	AttemptFail    AttemptResult = "fail"
	AttemptTimeout AttemptResult = "timeout"
)

// Attempt is one try at an exercise inside a session.
type Attempt struct {
	AttemptNumber int             `json:"attemptNumber"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	Duration      time.Duration   `json:"-"`
	Result        AttemptResult   `json:"result,omitempty"`
	Feedback      json.RawMessage `json:"feedback,omitempty"`
}

// MarshalJSON encodes Duration as whole milliseconds in durationMs.
func (a Attempt) MarshalJSON() ([]byte, error) {
	type plain Attempt
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs,omitempty"`
	}{plain(a), a.Duration.Milliseconds()})
}

// Closed returns true once the attempt has a result.
func (a *Attempt) Closed() bool {
	return a.Result != ""
}

// SessionState is the exercise state of a user's session.
type SessionState struct {
	IsActive               bool            `json:"isActive"`
	ExerciseConfig         *ExerciseConfig `json:"exerciseConfig,omitempty"`
	NextWordToConfirmIndex int             `json:"nextWordToConfirmIndex"`
	StartTime              *time.Time      `json:"startTime,omitempty"`
	EndTime                *time.Time      `json:"endTime,omitempty"`
	Attempts               []Attempt       `json:"attempts"`
	CurrentAttemptIndex    int             `json:"currentAttemptIndex"`
}

// AudioSession binds a user to their session state and, while streaming,
// to the recognition handle owned by the gateway.
type AudioSession struct {
	UserID string       `json:"userId"`
	State  SessionState `json:"state"`
	// HandleID references the gateway's recognition handle. Empty when none.
	HandleID string `json:"-"`
}

// Clone returns a deep copy so that stored sessions are never mutated in place.
func (s *AudioSession) Clone() *AudioSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.State.ExerciseConfig = s.State.ExerciseConfig.Clone()
	cp.State.Attempts = make([]Attempt, len(s.State.Attempts))
	copy(cp.State.Attempts, s.State.Attempts)
	return &cp
}

// CurrentAttempt returns the attempt in progress, or nil.
func (s *AudioSession) CurrentAttempt() *Attempt {
	i := s.State.CurrentAttemptIndex
	if i < 0 || i >= len(s.State.Attempts) {
		return nil
	}
	return &s.State.Attempts[i]
}

// AttemptRecord is the persisted history row of a closed attempt.
type AttemptRecord struct {
	UserID        string          `json:"userId"`
	AttemptNumber int             `json:"attemptNumber"`
	ExerciseType  ExerciseType    `json:"exerciseType"`
	ExpectedText  string          `json:"expectedText"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Duration      time.Duration   `json:"-"`
	Result        AttemptResult   `json:"result"`
	Feedback      json.RawMessage `json:"feedback,omitempty"`
}

// MarshalJSON encodes Duration as whole milliseconds in durationMs.
func (r AttemptRecord) MarshalJSON() ([]byte, error) {
	type plain AttemptRecord
	return json.Marshal(struct {
		plain
		DurationMs int64 `json:"durationMs"`
	}{plain(r), r.Duration.Milliseconds()})
}
