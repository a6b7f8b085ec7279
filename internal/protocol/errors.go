package protocol

// Error codes carried in ERROR payloads.
const (
	CodeInvalidMessage   = "WEBSOCKET_INVALID_MESSAGE"
	CodeInvalidJSON      = "INVALID_JSON_FORMAT"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeMissingField     = "MISSING_REQUIRED_FIELD"
	CodeUnsupportedType  = "UNSUPPORTED_MESSAGE_TYPE"

	CodeAuthRequired = "AUTH_REQUIRED"
	CodeAuthFailed   = "WEBSOCKET_AUTH_FAILED"
	CodeAuthTimeout  = "AUTH_TIMEOUT"

	CodeAccountSuspended = "ACCOUNT_SUSPENDED"
	CodeAccountDeleted   = "ACCOUNT_DELETED"

	CodeRateLimited = "RATE_LIMIT_EXCEEDED"

	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeSessionNotActive     = "SESSION_NOT_ACTIVE"
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
	CodeNoExerciseConfig     = "NO_EXERCISE_CONFIG"

	CodeDailyLimitExceeded     = "DAILY_LIMIT_EXCEEDED"
	CodeReconnectLimitExceeded = "RECONNECT_LIMIT_EXCEEDED"
	CodeReconnectFailed        = "RECONNECT_FAILED"

	CodeAudioStreamNotStarted = "AUDIO_STREAM_NOT_STARTED"
	CodeAudioDataInvalid      = "AUDIO_DATA_INVALID"

	CodeEngineNotReady          = "ENGINE_NOT_READY"
	CodeEngineConnectionFailed  = "ENGINE_CONNECTION_FAILED"
	CodeEngineRecognitionFailed = "ENGINE_RECOGNITION_FAILED"
	CodeNoSpeechMatch           = "NO_SPEECH_MATCH"

	CodeInternal = "INTERNAL_SERVER_ERROR"
)
