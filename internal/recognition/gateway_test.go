package recognition_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/recognition/mock"
	"github.com/ashureev/speakeasy/internal/session"
)

type fakeConn struct {
	userID string
	sent   chan protocol.Envelope
}

func newFakeConn(userID string) *fakeConn {
	return &fakeConn{userID: userID, sent: make(chan protocol.Envelope, 64)}
}

func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(_ context.Context, env protocol.Envelope) error {
	c.sent <- env
	return nil
}

func (c *fakeConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
	}
	return protocol.Envelope{}
}

func setup(t *testing.T, text string) (*recognition.Gateway, *mock.Engine, *session.Store, *fakeConn) {
	t.Helper()
	store := session.NewStore()
	sess, err := session.Start(session.Create("u1"), domain.ExerciseTongueTwister, text, time.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	store.Set(sess)

	engine := &mock.Engine{}
	gw := recognition.NewGateway(engine, store, recognition.NewMatcher(false), nil, recognition.GatewayConfig{})
	return gw, engine, store, newFakeConn("u1")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpen_AttachesHandle(t *testing.T) {
	t.Parallel()
	gw, engine, store, conn := setup(t, "Red lorry")

	id, err := gw.Open(context.Background(), conn, "Red lorry")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if engine.OpenCalls[0].Cfg.ReferenceText != "Red lorry" {
		t.Fatalf("unexpected stream config: %+v", engine.OpenCalls[0].Cfg)
	}
	sess, _ := store.Get("u1")
	if sess.HandleID != id || !gw.HasHandle("u1") {
		t.Fatalf("handle not attached: session=%q gateway=%v", sess.HandleID, gw.HasHandle("u1"))
	}
}

func TestOpen_MissingUser(t *testing.T) {
	t.Parallel()
	gw, _, _, _ := setup(t, "a")
	if _, err := gw.Open(context.Background(), newFakeConn(""), "a"); !errors.Is(err, recognition.ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestOpen_EngineFailure(t *testing.T) {
	t.Parallel()
	gw, engine, _, conn := setup(t, "a")
	engine.SetOpenErr(errors.New("no quota"))
	if _, err := gw.Open(context.Background(), conn, "a"); !errors.Is(err, recognition.ErrEngineStartFailed) {
		t.Fatalf("expected ErrEngineStartFailed, got %v", err)
	}
	if gw.HasHandle("u1") {
		t.Fatal("failed open must not register a handle")
	}
}

func TestOpen_ReplacesExistingHandle(t *testing.T) {
	t.Parallel()
	gw, engine, _, conn := setup(t, "a")
	ctx := context.Background()
	if _, err := gw.Open(ctx, conn, "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first := engine.LastStream()
	if _, err := gw.Open(ctx, conn, "a"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if !first.IsClosed() || first.StopCalls != 1 || !first.AudioClosed {
		t.Fatal("previous stream should be fully closed")
	}
	if gw.HandleCount() != 1 {
		t.Fatalf("HandleCount = %d, want 1", gw.HandleCount())
	}
}

func TestPartial_GreedyMatch(t *testing.T) {
	t.Parallel()
	gw, engine, store, conn := setup(t, "She sells sea shells")
	if _, err := gw.Open(context.Background(), conn, "She sells sea shells"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream := engine.LastStream()

	stream.Emit(recognition.Event{Kind: recognition.EventPartial, Text: "she um sells"})
	for i, want := range []string{"She", "sells"} {
		env := conn.next(t)
		p, ok := env.Payload.(protocol.WordFeedbackPayload)
		if env.Type != protocol.TypeWordFeedbackLive || !ok || p.Word != want || p.Index != i || p.Status != "matched" {
			t.Fatalf("unexpected feedback %d: %+v", i, env)
		}
	}

	// Cumulative partials do not re-confirm earlier words.
	stream.Emit(recognition.Event{Kind: recognition.EventPartial, Text: "she sells sea"})
	env := conn.next(t)
	if p := env.Payload.(protocol.WordFeedbackPayload); p.Word != "sea" || p.Index != 2 {
		t.Fatalf("unexpected feedback: %+v", p)
	}
	sess, _ := store.Get("u1")
	if sess.State.NextWordToConfirmIndex != 3 {
		t.Fatalf("index = %d, want 3", sess.State.NextWordToConfirmIndex)
	}
}

func TestFinal_ResetsIndexAndRecordsFeedback(t *testing.T) {
	t.Parallel()
	gw, engine, store, conn := setup(t, "red lorry")
	if _, err := gw.Open(context.Background(), conn, "red lorry"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream := engine.LastStream()
	stream.Emit(recognition.Event{Kind: recognition.EventPartial, Text: "red"})
	conn.next(t)

	stream.Emit(recognition.Event{Kind: recognition.EventFinal, Result: json.RawMessage(`{"accuracy":80}`)})
	env := conn.next(t)
	if env.Type != protocol.TypePronunciationFeedback {
		t.Fatalf("expected PRONUNCIATION_FEEDBACK, got %s", env.Type)
	}
	sess, _ := store.Get("u1")
	if sess.State.NextWordToConfirmIndex != 0 {
		t.Fatal("final must reset the index")
	}
	if string(sess.CurrentAttempt().Feedback) != `{"accuracy":80}` {
		t.Fatalf("feedback = %s", sess.CurrentAttempt().Feedback)
	}
}

func TestNoMatch_SendsError(t *testing.T) {
	t.Parallel()
	gw, engine, _, conn := setup(t, "a b")
	if _, err := gw.Open(context.Background(), conn, "a b"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	engine.LastStream().Emit(recognition.Event{Kind: recognition.EventNoMatch})
	env := conn.next(t)
	if p := env.Payload.(protocol.ErrorPayload); p.Code != protocol.CodeNoSpeechMatch {
		t.Fatalf("unexpected error code %s", p.Code)
	}
	if !gw.HasHandle("u1") {
		t.Fatal("no-match must keep the stream open")
	}
}

func TestCanceled_ClosesHandle(t *testing.T) {
	t.Parallel()
	gw, engine, store, conn := setup(t, "a b")
	if _, err := gw.Open(context.Background(), conn, "a b"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream := engine.LastStream()
	stream.Emit(recognition.Event{Kind: recognition.EventPartial, Text: "a"})
	conn.next(t)
	stream.Emit(recognition.Event{Kind: recognition.EventCanceled, Err: errors.New("network")})

	env := conn.next(t)
	if p := env.Payload.(protocol.ErrorPayload); p.Code != protocol.CodeEngineRecognitionFailed {
		t.Fatalf("unexpected error code %s", p.Code)
	}
	waitFor(t, func() bool { return !gw.HasHandle("u1") && stream.IsClosed() })
	waitFor(t, func() bool {
		sess, _ := store.Get("u1")
		return sess.HandleID == "" && sess.State.NextWordToConfirmIndex == 0
	})
}

func TestSendAudio(t *testing.T) {
	t.Parallel()
	gw, engine, _, conn := setup(t, "a")
	ctx := context.Background()
	if err := gw.SendAudio(ctx, "u1", "AAAA"); !errors.Is(err, recognition.ErrNoActiveConnection) {
		t.Fatalf("expected ErrNoActiveConnection, got %v", err)
	}
	if _, err := gw.Open(ctx, conn, "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := gw.SendAudio(ctx, "u1", "%%%"); !errors.Is(err, recognition.ErrInvalidAudioFormat) {
		t.Fatalf("expected ErrInvalidAudioFormat, got %v", err)
	}
	if err := gw.SendAudio(ctx, "u1", base64.StdEncoding.EncodeToString([]byte("pcm"))); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := engine.LastStream().Written; len(got) != 1 || string(got[0]) != "pcm" {
		t.Fatalf("unexpected writes: %v", got)
	}
}

func TestClose_IdempotentAndStopFailureTolerated(t *testing.T) {
	t.Parallel()
	gw, engine, _, conn := setup(t, "a")
	ctx := context.Background()
	if _, err := gw.Open(ctx, conn, "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream := engine.LastStream()
	stream.StopErr = errors.New("already stopped")

	gw.Close(ctx, "u1")
	gw.Close(ctx, "u1")
	if !stream.IsClosed() || stream.CloseCalls != 1 {
		t.Fatalf("stream closed=%v calls=%d", stream.IsClosed(), stream.CloseCalls)
	}
	if gw.HasHandle("u1") {
		t.Fatal("handle must be removed even when stop fails")
	}
}

func TestCloseIfOwner(t *testing.T) {
	t.Parallel()
	gw, _, _, oldConn := setup(t, "a")
	ctx := context.Background()
	newConn := newFakeConn("u1")
	if _, err := gw.Open(ctx, newConn, "a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gw.CloseIfOwner(ctx, "u1", oldConn) {
		t.Fatal("stale connection must not close the new handle")
	}
	if !gw.HasHandle("u1") {
		t.Fatal("handle should survive stale cleanup")
	}
	if !gw.CloseIfOwner(ctx, "u1", newConn) {
		t.Fatal("owner should be able to close its handle")
	}
}
