package session

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionNotActive     = errors.New("session not active")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrNoExerciseConfig     = errors.New("no exercise config")
	ErrInvalidExerciseText  = errors.New("exercise text is empty")
	ErrNoAttemptInProgress  = errors.New("no attempt in progress")
)
