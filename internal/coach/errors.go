package coach

import (
	"errors"

	"github.com/ashureev/speakeasy/internal/identity"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/session"
)

// codedError carries a protocol error code chosen by a handler.
type codedError struct {
	code    string
	message string
	details map[string]any
}

func (e *codedError) Error() string { return e.code + ": " + e.message }

func newCodedError(code, message string, details map[string]any) *codedError {
	return &codedError{code: code, message: message, details: details}
}

// errorCode maps a handler error to the code and message sent to the client.
func errorCode(err error) (string, string, map[string]any) {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code, coded.message, coded.details
	}
	var invalid *protocol.ValidationError
	if errors.As(err, &invalid) {
		return invalid.Code, invalid.Message, nil
	}

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.CodeSessionNotFound, "No session found", nil
	case errors.Is(err, session.ErrSessionNotActive):
		return protocol.CodeSessionNotActive, "No active session", nil
	case errors.Is(err, session.ErrSessionAlreadyActive):
		return protocol.CodeSessionAlreadyActive, "Session already active", nil
	case errors.Is(err, session.ErrNoExerciseConfig):
		return protocol.CodeNoExerciseConfig, "No exercise configuration found", nil
	case errors.Is(err, session.ErrInvalidExerciseText):
		return protocol.CodeValidationFailed, "Exercise text cannot be empty", nil
	case errors.Is(err, recognition.ErrMissingUserID):
		return protocol.CodeAuthRequired, "Authentication required", nil
	case errors.Is(err, recognition.ErrNoActiveConnection):
		return protocol.CodeAudioStreamNotStarted, "Audio stream not initialized or missing context.", nil
	case errors.Is(err, recognition.ErrInvalidAudioFormat):
		return protocol.CodeAudioDataInvalid, "Invalid audio data format", nil
	case errors.Is(err, recognition.ErrEngineStartFailed), errors.Is(err, recognition.ErrEngineNotConfigured):
		return protocol.CodeEngineConnectionFailed, "Failed to connect to speech recognition", nil
	case errors.Is(err, identity.ErrAccountSuspended):
		return protocol.CodeAccountSuspended, "Account is suspended", nil
	case errors.Is(err, identity.ErrAccountDeleted):
		return protocol.CodeAccountDeleted, "Account has been deleted", nil
	default:
		return protocol.CodeInternal, "Internal server error", nil
	}
}
