// Package protocol defines the client/server WebSocket message formats and
// validates inbound messages before they reach any handler.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeAuth           = "AUTH"
	TypeStartSession   = "startSession"
	TypeSubmitExercise = "submitExercise"
	TypeAudioData      = "audioData"
	TypeStopSession    = "stopSession"
	TypeReconnect      = "reconnect"
)

// Message is a validated inbound message.
type Message interface {
	MessageType() string
	isMessage()
}

// Auth is the authentication handshake.
type Auth struct {
	IDToken string
}

// StartSession starts an exercise.
type StartSession struct {
	ExerciseText string
}

// SubmitExercise replaces the current exercise with a new one.
type SubmitExercise struct {
	ExerciseText string
}

// AudioData carries one base64-encoded audio chunk.
type AudioData struct {
	AudioBase64 string
}

// StopSession ends the current exercise.
type StopSession struct{}

// Reconnect asks the server to restore a previous session.
type Reconnect struct {
	IDToken   string
	SessionID string
}

func (Auth) MessageType() string           { return TypeAuth }
func (StartSession) MessageType() string   { return TypeStartSession }
func (SubmitExercise) MessageType() string { return TypeSubmitExercise }
func (AudioData) MessageType() string      { return TypeAudioData }
func (StopSession) MessageType() string    { return TypeStopSession }
func (Reconnect) MessageType() string      { return TypeReconnect }

func (Auth) isMessage()           {}
func (StartSession) isMessage()   {}
func (SubmitExercise) isMessage() {}
func (AudioData) isMessage()      {}
func (StopSession) isMessage()    {}
func (Reconnect) isMessage()      {}

// ValidationError describes why an inbound message was rejected.
type ValidationError struct {
	Code    string
	Message string
	Param   string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Param)
	}
	return e.Message
}

type envelope struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
	IDToken *string         `json:"idToken"`
}

// Validate parses raw bytes into a typed message. It has no side effects.
func Validate(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Code: CodeInvalidJSON, Message: "Invalid message format"}
	}
	if env.Type == nil || *env.Type == "" {
		return nil, &ValidationError{Code: CodeInvalidMessage, Message: "Invalid message format", Param: "type"}
	}

	switch *env.Type {
	case TypeAuth:
		return validateAuth(env)
	case TypeStartSession, TypeSubmitExercise:
		fields, err := payloadObject(env.Payload, true)
		if err != nil {
			return nil, err
		}
		text, err := requireString(fields, "exerciseText", CodeMissingField)
		if err != nil {
			return nil, err
		}
		if *env.Type == TypeStartSession {
			return StartSession{ExerciseText: text}, nil
		}
		return SubmitExercise{ExerciseText: text}, nil
	case TypeAudioData:
		fields, err := payloadObject(env.Payload, true)
		if err != nil {
			return nil, err
		}
		audio, ok := optionalString(fields, "audioBase64")
		if !ok || audio == "" {
			return nil, &ValidationError{Code: CodeAudioDataInvalid, Message: "Invalid audio data format", Param: "audioBase64"}
		}
		return AudioData{AudioBase64: audio}, nil
	case TypeStopSession:
		if _, err := payloadObject(env.Payload, false); err != nil {
			return nil, err
		}
		return StopSession{}, nil
	case TypeReconnect:
		fields, err := payloadObject(env.Payload, true)
		if err != nil {
			return nil, err
		}
		token, err := requireString(fields, "idToken", CodeMissingField)
		if err != nil {
			return nil, err
		}
		sessionID, _ := optionalString(fields, "sessionId")
		return Reconnect{IDToken: token, SessionID: sessionID}, nil
	default:
		return nil, &ValidationError{
			Code:    CodeUnsupportedType,
			Message: "Unsupported message type: " + *env.Type,
			Param:   "type",
		}
	}
}

// ValidateAuth parses the first message of a connection, which must be AUTH.
func ValidateAuth(raw []byte) (Auth, error) {
	msg, err := Validate(raw)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) && vErr.Code == CodeInvalidJSON {
			return Auth{}, err
		}
		return Auth{}, &ValidationError{Code: CodeAuthRequired, Message: "Authentication required as first message"}
	}
	auth, ok := msg.(Auth)
	if !ok {
		return Auth{}, &ValidationError{Code: CodeAuthRequired, Message: "Authentication required as first message"}
	}
	return auth, nil
}

func validateAuth(env envelope) (Message, error) {
	if env.IDToken != nil && strings.TrimSpace(*env.IDToken) != "" {
		return Auth{IDToken: strings.TrimSpace(*env.IDToken)}, nil
	}
	fields, err := payloadObject(env.Payload, false)
	if err != nil {
		return nil, err
	}
	token, err := requireString(fields, "idToken", CodeMissingField)
	if err != nil {
		return nil, err
	}
	return Auth{IDToken: token}, nil
}

func payloadObject(raw json.RawMessage, required bool) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if required {
			return nil, &ValidationError{Code: CodeValidationFailed, Message: "Invalid payload format", Param: "payload"}
		}
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return nil, &ValidationError{Code: CodeValidationFailed, Message: "Invalid payload format", Param: "payload"}
	}
	return fields, nil
}

func requireString(fields map[string]json.RawMessage, key, code string) (string, error) {
	s, ok := optionalString(fields, key)
	if !ok || s == "" {
		return "", &ValidationError{Code: code, Message: key + " is required and must be a non-empty string", Param: key}
	}
	return s, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}
