package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/speakeasy/internal/domain"
)

func validationCode(t *testing.T, err error) string {
	t.Helper()
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	return vErr.Code
}

func TestValidate_StartSession(t *testing.T) {
	t.Parallel()
	msg, err := Validate([]byte(`{"type":"startSession","payload":{"exerciseText":"  red lorry  "}}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	start, ok := msg.(StartSession)
	if !ok || start.ExerciseText != "red lorry" {
		t.Fatalf("unexpected message: %#v", msg)
	}
}

func TestValidate_SubmitExercise(t *testing.T) {
	t.Parallel()
	msg, err := Validate([]byte(`{"type":"submitExercise","payload":{"exerciseText":"a b"}}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, ok := msg.(SubmitExercise); !ok {
		t.Fatalf("expected SubmitExercise, got %#v", msg)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		raw  string
		code string
	}{
		"not json":           {`{nope`, CodeInvalidJSON},
		"missing type":       {`{"payload":{}}`, CodeInvalidMessage},
		"unknown type":       {`{"type":"dance"}`, CodeUnsupportedType},
		"payload not object": {`{"type":"startSession","payload":"text"}`, CodeValidationFailed},
		"missing payload":    {`{"type":"startSession"}`, CodeValidationFailed},
		"blank text":         {`{"type":"startSession","payload":{"exerciseText":"   "}}`, CodeMissingField},
		"text not string":    {`{"type":"submitExercise","payload":{"exerciseText":7}}`, CodeMissingField},
		"empty audio":        {`{"type":"audioData","payload":{"audioBase64":""}}`, CodeAudioDataInvalid},
		"reconnect no token": {`{"type":"reconnect","payload":{"sessionId":"x"}}`, CodeMissingField},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Validate([]byte(tc.raw))
			if got := validationCode(t, err); got != tc.code {
				t.Fatalf("code = %s, want %s", got, tc.code)
			}
		})
	}
}

func TestValidate_UnsupportedMessageText(t *testing.T) {
	t.Parallel()
	_, err := Validate([]byte(`{"type":"dance"}`))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Message != "Unsupported message type: dance" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_StopSessionNeedsNoPayload(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`{"type":"stopSession"}`, `{"type":"stopSession","payload":{}}`} {
		msg, err := Validate([]byte(raw))
		if err != nil {
			t.Fatalf("Validate(%s): %v", raw, err)
		}
		if _, ok := msg.(StopSession); !ok {
			t.Fatalf("expected StopSession, got %#v", msg)
		}
	}
}

func TestValidate_Reconnect(t *testing.T) {
	t.Parallel()
	msg, err := Validate([]byte(`{"type":"reconnect","payload":{"idToken":"tok","sessionId":"s-1"}}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	rc := msg.(Reconnect)
	if rc.IDToken != "tok" || rc.SessionID != "s-1" {
		t.Fatalf("unexpected reconnect: %#v", rc)
	}
}

func TestValidateAuth(t *testing.T) {
	t.Parallel()
	auth, err := ValidateAuth([]byte(`{"type":"AUTH","idToken":"abc"}`))
	if err != nil || auth.IDToken != "abc" {
		t.Fatalf("top-level token: %v %#v", err, auth)
	}
	auth, err = ValidateAuth([]byte(`{"type":"AUTH","payload":{"idToken":"def"}}`))
	if err != nil || auth.IDToken != "def" {
		t.Fatalf("payload token: %v %#v", err, auth)
	}
	_, err = ValidateAuth([]byte(`{"type":"startSession","payload":{"exerciseText":"x"}}`))
	if got := validationCode(t, err); got != CodeAuthRequired {
		t.Fatalf("code = %s, want %s", got, CodeAuthRequired)
	}
	_, err = ValidateAuth([]byte(`garbage`))
	if got := validationCode(t, err); got != CodeInvalidJSON {
		t.Fatalf("code = %s, want %s", got, CodeInvalidJSON)
	}
}

func TestOutboundShapes(t *testing.T) {
	t.Parallel()
	cfg := &domain.ExerciseConfig{ExerciseType: domain.ExerciseTongueTwister, ExpectedText: "A b", ExpectedWords: []string{"a", "b"}}

	data, err := json.Marshal(StreamReady(cfg))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeStreamReady || got.Payload["expectedText"] != "A b" || got.Payload["exerciseType"] != "tongueTwister" {
		t.Fatalf("unexpected STREAM_READY: %s", data)
	}

	data, _ = json.Marshal(WordFeedback("Red", 0))
	if string(data) != `{"type":"WORD_FEEDBACK_LIVE","payload":{"word":"Red","index":0,"status":"matched"}}` {
		t.Fatalf("unexpected WORD_FEEDBACK_LIVE: %s", data)
	}

	data, _ = json.Marshal(PronunciationFeedback(json.RawMessage(`{"accuracy":88}`)))
	if string(data) != `{"type":"PRONUNCIATION_FEEDBACK","payload":{"overallResult":{"accuracy":88}}}` {
		t.Fatalf("unexpected PRONUNCIATION_FEEDBACK: %s", data)
	}
}
