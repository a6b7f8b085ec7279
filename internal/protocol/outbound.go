package protocol

import (
	"encoding/json"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
)

// Outbound message types.
const (
	TypeAuthSuccess           = "auth_success"
	TypeSessionStarted        = "SESSION_STARTED"
	TypeExerciseSubmitted     = "EXERCISE_SUBMITTED"
	TypeStreamReady           = "STREAM_READY"
	TypeStreamStopped         = "STREAM_STOPPED"
	TypeWordFeedbackLive      = "WORD_FEEDBACK_LIVE"
	TypePronunciationFeedback = "PRONUNCIATION_FEEDBACK"
	TypeReconnectResult       = "RECONNECT_RESULT"
	TypeError                 = "ERROR"
)

// WordMatched is the only live word status emitted.
const WordMatched = "matched"

// Envelope is the wire form of every outbound message.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// AuthSuccessPayload confirms authentication with a profile summary.
type AuthSuccessPayload struct {
	UserID            string              `json:"userId"`
	Email             string              `json:"email"`
	DisplayName       string              `json:"displayName"`
	DailyLimit        int                 `json:"dailyLimit"`
	AttemptsToday     int                 `json:"attemptsToday"`
	RemainingAttempts int                 `json:"remainingAttempts"`
	Subscription      domain.Subscription `json:"subscription"`
	Timestamp         string              `json:"timestamp"`
}

// ExercisePayload acknowledges a started or submitted exercise.
type ExercisePayload struct {
	Message        string                 `json:"message"`
	ExerciseConfig *domain.ExerciseConfig `json:"exerciseConfig"`
}

// StreamReadyPayload tells the client to start sending audio.
type StreamReadyPayload struct {
	Message      string              `json:"message"`
	ExpectedText string              `json:"expectedText"`
	ExerciseType domain.ExerciseType `json:"exerciseType"`
	Timestamp    string              `json:"timestamp"`
}

// StreamStoppedPayload acknowledges a stopped stream.
type StreamStoppedPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// WordFeedbackPayload reports one confirmed word.
type WordFeedbackPayload struct {
	Word   string `json:"word"`
	Index  int    `json:"index"`
	Status string `json:"status"`
}

// PronunciationFeedbackPayload carries the engine's final assessment verbatim.
type PronunciationFeedbackPayload struct {
	OverallResult json.RawMessage `json:"overallResult"`
}

// ReconnectResultPayload reports the outcome of a reconnect request.
type ReconnectResultPayload struct {
	Message         string                 `json:"message"`
	SessionRestored bool                   `json:"sessionRestored"`
	SessionID       string                 `json:"sessionId"`
	ExerciseConfig  *domain.ExerciseConfig `json:"exerciseConfig,omitempty"`
}

// ErrorPayload is the structured error sent to clients.
type ErrorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AuthSuccess builds the auth_success message from a profile.
func AuthSuccess(user *domain.UserAccount, attemptsToday, remaining int) Envelope {
	return Envelope{Type: TypeAuthSuccess, Payload: AuthSuccessPayload{
		UserID:            user.UserID,
		Email:             user.Email,
		DisplayName:       user.DisplayName,
		DailyLimit:        user.DailyLimit,
		AttemptsToday:     attemptsToday,
		RemainingAttempts: remaining,
		Subscription:      user.Subscription,
		Timestamp:         timestamp(),
	}}
}

// SessionStarted acknowledges startSession.
func SessionStarted(cfg *domain.ExerciseConfig) Envelope {
	return Envelope{Type: TypeSessionStarted, Payload: ExercisePayload{
		Message:        "Session started successfully",
		ExerciseConfig: cfg.Clone(),
	}}
}

// ExerciseSubmitted acknowledges submitExercise.
func ExerciseSubmitted(cfg *domain.ExerciseConfig) Envelope {
	return Envelope{Type: TypeExerciseSubmitted, Payload: ExercisePayload{
		Message:        "Exercise submitted successfully",
		ExerciseConfig: cfg.Clone(),
	}}
}

// StreamReady tells the client the engine accepted the stream.
func StreamReady(cfg *domain.ExerciseConfig) Envelope {
	return Envelope{Type: TypeStreamReady, Payload: StreamReadyPayload{
		Message:      "Ready to receive audio chunks.",
		ExpectedText: cfg.ExpectedText,
		ExerciseType: cfg.ExerciseType,
		Timestamp:    timestamp(),
	}}
}

// StreamStopped acknowledges stopSession.
func StreamStopped() Envelope {
	return Envelope{Type: TypeStreamStopped, Payload: StreamStoppedPayload{
		Message:   "Audio stream stopped successfully.",
		Timestamp: timestamp(),
	}}
}

// WordFeedback reports a matched expected word.
func WordFeedback(word string, index int) Envelope {
	return Envelope{Type: TypeWordFeedbackLive, Payload: WordFeedbackPayload{
		Word:   word,
		Index:  index,
		Status: WordMatched,
	}}
}

// PronunciationFeedback forwards the engine's final result.
func PronunciationFeedback(result json.RawMessage) Envelope {
	return Envelope{Type: TypePronunciationFeedback, Payload: PronunciationFeedbackPayload{
		OverallResult: result,
	}}
}

// ReconnectResult reports a reconnect outcome.
func ReconnectResult(message string, restored bool, sessionID string, cfg *domain.ExerciseConfig) Envelope {
	return Envelope{Type: TypeReconnectResult, Payload: ReconnectResultPayload{
		Message:         message,
		SessionRestored: restored,
		SessionID:       sessionID,
		ExerciseConfig:  cfg.Clone(),
	}}
}

// Error builds a structured ERROR message.
func Error(code, message string, details map[string]any) Envelope {
	return Envelope{Type: TypeError, Payload: ErrorPayload{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: timestamp(),
	}}
}

// FromValidation converts a validation failure to an ERROR message.
func FromValidation(err *ValidationError) Envelope {
	var details map[string]any
	if err.Param != "" {
		details = map[string]any{"param": err.Param}
	}
	return Error(err.Code, err.Message, details)
}
