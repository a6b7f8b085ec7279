package coach

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/speakeasy/internal/attempts"
	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/identity"
	"github.com/ashureev/speakeasy/internal/middleware"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/recognition/mock"
	"github.com/ashureev/speakeasy/internal/session"
	"github.com/ashureev/speakeasy/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type fakeVerifier map[string]*identity.Identity

func (v fakeVerifier) VerifyToken(_ context.Context, token string) (*identity.Identity, error) {
	id, ok := v[token]
	if !ok {
		return nil, identity.ErrInvalidToken
	}
	return id, nil
}

type harness struct {
	server   *httptest.Server
	handler  *Handler
	engine   *mock.Engine
	sessions *session.Store
	gateway  *recognition.Gateway
	repo     *store.SQLiteStore
}

type options struct {
	cfg    Config
	limits attempts.Config
}

func newHarness(t *testing.T, mutate func(*options)) *harness {
	t.Helper()
	opts := options{
		cfg: Config{
			IsDev:              true,
			AuthTimeout:        2 * time.Second,
			RateLimit:          middleware.DefaultRateLimitConfig(),
			MinAttemptDuration: 5 * time.Second,
		},
		limits: attempts.DefaultConfig(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "coach.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}

	sessions := session.NewStore()
	limits := attempts.NewService(sessions, opts.limits)
	profiles := identity.NewProfileService(repo, identity.ProfileConfig{
		DailyLimit: opts.limits.MaxAttemptsPerDay,
		Today:      limits.Today,
	})
	engine := &mock.Engine{}
	gw := recognition.NewGateway(engine, sessions, nil, nil, recognition.GatewayConfig{})

	h := NewHandler(Deps{
		Verifier: fakeVerifier{
			"tok-u1": {UID: "u1", Email: "u1@example.com", Name: "User One"},
			"tok-u2": {UID: "u2", Email: "u2@example.com"},
		},
		Profiles: profiles,
		Sessions: sessions,
		Attempts: limits,
		Streams:  gw,
	}, opts.cfg)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		gw.CloseAll(context.Background())
		_ = repo.Close()
	})
	return &harness{server: srv, handler: h, engine: engine, sessions: sessions, gateway: gw, repo: repo}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &client{t: t, ws: ws}
}

func (h *harness) authed(t *testing.T, token string) *client {
	t.Helper()
	c := h.dial(t)
	c.send(map[string]any{"type": "AUTH", "payload": map[string]any{"idToken": token}})
	c.expect(protocol.TypeAuthSuccess)
	return c
}

func (c *client) send(v any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recv() (inbound, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg inbound
	err := wsjson.Read(ctx, c.ws, &msg)
	return msg, err
}

func (c *client) expect(msgType string) map[string]any {
	c.t.Helper()
	msg, err := c.recv()
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", msgType, err)
	}
	if msg.Type != msgType {
		c.t.Fatalf("got %s %s, want %s", msg.Type, msg.Payload, msgType)
	}
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func (c *client) expectError(code string) map[string]any {
	c.t.Helper()
	payload := c.expect(protocol.TypeError)
	if payload["code"] != code {
		c.t.Fatalf("error code = %v (%v), want %s", payload["code"], payload["message"], code)
	}
	return payload
}

func (c *client) expectClosed(status websocket.StatusCode) {
	c.t.Helper()
	_, err := c.recv()
	if err == nil {
		c.t.Fatal("expected connection to be closed")
	}
	if got := websocket.CloseStatus(err); got != status {
		c.t.Fatalf("close status = %v (%v), want %v", got, err, status)
	}
}

func startMsg(text string) map[string]any {
	return map[string]any{"type": "startSession", "payload": map[string]any{"exerciseText": text}}
}

var stopMsg = map[string]any{"type": "stopSession", "payload": map[string]any{}}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuth_RequiredAsFirstMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.dial(t)

	c.send(startMsg("red lorry"))
	payload := c.expectError(protocol.CodeAuthRequired)
	if payload["message"] != "Authentication required as first message" {
		t.Fatalf("message = %v", payload["message"])
	}
	c.expectClosed(websocket.StatusPolicyViolation)
}

func TestAuth_InvalidJSON(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.dial(t)
	c.sendRaw("{not json")
	c.expectError(protocol.CodeInvalidJSON)
	c.expectClosed(websocket.StatusPolicyViolation)
}

func TestAuth_BadToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.dial(t)
	c.send(map[string]any{"type": "AUTH", "payload": map[string]any{"idToken": "forged"}})
	payload := c.expectError(protocol.CodeAuthFailed)
	if payload["message"] != "Authentication failed" {
		t.Fatalf("message = %v", payload["message"])
	}
	c.expectClosed(websocket.StatusPolicyViolation)
}

func TestAuth_Timeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.cfg.AuthTimeout = 50 * time.Millisecond })
	c := h.dial(t)
	c.expectError(protocol.CodeAuthTimeout)
	c.expectClosed(websocket.StatusPolicyViolation)
}

func TestAuth_SuspendedAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.repo.UpsertUser(context.Background(), &domain.UserAccount{
		UserID: "u1", DailyLimit: 2, Subscription: domain.SubscriptionFree, Status: domain.AccountSuspended,
	}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	c := h.dial(t)
	c.send(map[string]any{"type": "AUTH", "idToken": "tok-u1"})
	c.expectError(protocol.CodeAccountSuspended)
}

func TestAuth_Success(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.dial(t)
	c.send(map[string]any{"type": "AUTH", "payload": map[string]any{"idToken": "tok-u1"}})
	payload := c.expect(protocol.TypeAuthSuccess)
	if payload["userId"] != "u1" || payload["displayName"] != "User One" || payload["remainingAttempts"] != float64(2) {
		t.Fatalf("unexpected auth_success: %v", payload)
	}
	waitFor(t, "registration", func() bool { return h.handler.Registry().IsConnected("u1") })

	c.send(map[string]any{"type": "AUTH", "payload": map[string]any{"idToken": "tok-u1"}})
	c.expectError(protocol.CodeInvalidMessage)
}

func TestExerciseFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.authed(t, "tok-u1")

	c.send(startMsg("Red lorry yellow lorry"))
	started := c.expect(protocol.TypeSessionStarted)
	if started["message"] != "Session started successfully" {
		t.Fatalf("unexpected SESSION_STARTED: %v", started)
	}
	ready := c.expect(protocol.TypeStreamReady)
	if ready["message"] != "Ready to receive audio chunks." || ready["expectedText"] != "Red lorry yellow lorry" {
		t.Fatalf("unexpected STREAM_READY: %v", ready)
	}

	stream := h.engine.LastStream()
	stream.Emit(recognition.Event{Kind: recognition.EventPartial, Text: "red lorry"})
	for i, word := range []string{"Red", "lorry"} {
		fb := c.expect(protocol.TypeWordFeedbackLive)
		if fb["word"] != word || fb["index"] != float64(i) || fb["status"] != "matched" {
			t.Fatalf("unexpected feedback %d: %v", i, fb)
		}
	}

	audio := base64.StdEncoding.EncodeToString([]byte("pcm-chunk"))
	c.send(map[string]any{"type": "audioData", "payload": map[string]any{"audioBase64": audio}})
	waitFor(t, "audio write", func() bool { return stream.WrittenCount() == 1 })

	stream.Emit(recognition.Event{Kind: recognition.EventFinal, Result: json.RawMessage(`{"accuracyScore":88}`)})
	fb := c.expect(protocol.TypePronunciationFeedback)
	if fb["overallResult"].(map[string]any)["accuracyScore"] != float64(88) {
		t.Fatalf("unexpected PRONUNCIATION_FEEDBACK: %v", fb)
	}

	c.send(stopMsg)
	stopped := c.expect(protocol.TypeStreamStopped)
	if stopped["message"] != "Audio stream stopped successfully." {
		t.Fatalf("unexpected STREAM_STOPPED: %v", stopped)
	}
	if !stream.IsClosed() {
		t.Fatal("stop should close the recognition stream")
	}

	sess, _ := h.sessions.Get("u1")
	if sess.State.IsActive || sess.State.NextWordToConfirmIndex != 0 {
		t.Fatalf("session should be stopped: %+v", sess.State)
	}
	if got := sess.State.Attempts[0].Result; got != domain.AttemptSuccess {
		t.Fatalf("attempt result = %s, want success", got)
	}

	recs, err := h.repo.ListAttempts(context.Background(), "u1", 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListAttempts = %v, %v", recs, err)
	}
	if recs[0].Result != domain.AttemptSuccess || recs[0].ExpectedText != "Red lorry yellow lorry" {
		t.Fatalf("unexpected history row: %+v", recs[0])
	}
	user, _ := h.repo.GetUser(context.Background(), "u1")
	if user.AttemptsToday != 1 || user.TotalSessions != 1 {
		t.Fatalf("profile counters = %d attempts, %d sessions", user.AttemptsToday, user.TotalSessions)
	}
}

func TestSessionErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.authed(t, "tok-u1")

	c.send(stopMsg)
	c.expectError(protocol.CodeSessionNotFound)

	c.send(map[string]any{"type": "audioData", "payload": map[string]any{"audioBase64": "AAAA"}})
	c.expectError(protocol.CodeAudioStreamNotStarted)

	c.send(startMsg("   "))
	c.expectError(protocol.CodeValidationFailed)

	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)

	c.send(startMsg("other text"))
	c.expectError(protocol.CodeSessionAlreadyActive)

	c.send(map[string]any{"type": "audioData", "payload": map[string]any{"audioBase64": "%%%"}})
	c.expectError(protocol.CodeAudioDataInvalid)

	c.send(stopMsg)
	c.expect(protocol.TypeStreamStopped)
	c.send(stopMsg)
	c.expectError(protocol.CodeSessionNotActive)
}

func TestValidationErrorsKeepConnectionOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.authed(t, "tok-u1")

	c.sendRaw("not json")
	c.expectError(protocol.CodeInvalidJSON)
	c.send(map[string]any{"type": "dance"})
	c.expectError(protocol.CodeUnsupportedType)
	c.send(map[string]any{"type": "startSession", "payload": map[string]any{}})
	c.expectError(protocol.CodeMissingField)

	c.send(stopMsg)
	c.expectError(protocol.CodeSessionNotFound)
}

func TestSubmitExerciseReplacesActiveAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.limits.MaxAttemptsPerDay = 5 })
	c := h.authed(t, "tok-u1")

	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)
	first := h.engine.LastStream()

	c.send(map[string]any{"type": "submitExercise", "payload": map[string]any{"exerciseText": "Toy boat"}})
	submitted := c.expect(protocol.TypeExerciseSubmitted)
	cfg := submitted["exerciseConfig"].(map[string]any)
	if cfg["expectedText"] != "Toy boat" {
		t.Fatalf("unexpected exercise config: %v", cfg)
	}
	c.expect(protocol.TypeStreamReady)

	if !first.IsClosed() || h.engine.OpenCount() != 2 {
		t.Fatalf("previous stream closed=%v opens=%d", first.IsClosed(), h.engine.OpenCount())
	}
	sess, _ := h.sessions.Get("u1")
	if len(sess.State.Attempts) != 2 || sess.State.Attempts[0].Result != domain.AttemptFail {
		t.Fatalf("first attempt should be closed as fail: %+v", sess.State.Attempts)
	}
	if !sess.State.IsActive || sess.CurrentAttempt().AttemptNumber != 2 {
		t.Fatalf("second attempt should be in progress: %+v", sess.State)
	}
}

func TestDailyLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.limits.MaxAttemptsPerDay = 1 })
	c := h.authed(t, "tok-u1")

	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)
	c.send(stopMsg)
	c.expect(protocol.TypeStreamStopped)

	c.send(startMsg("red lorry"))
	payload := c.expectError(protocol.CodeDailyLimitExceeded)
	if payload["message"] != "Daily attempt limit reached (1 attempts)" {
		t.Fatalf("message = %v", payload["message"])
	}
}

func TestDailyLimitSurvivesReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.limits.MaxAttemptsPerDay = 1 })
	c := h.authed(t, "tok-u1")
	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)
	c.send(stopMsg)
	c.expect(protocol.TypeStreamStopped)
	_ = c.ws.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, "session removal", func() bool { return h.sessions.Count() == 0 })

	c2 := h.dial(t)
	c2.send(map[string]any{"type": "AUTH", "idToken": "tok-u1"})
	auth := c2.expect(protocol.TypeAuthSuccess)
	if auth["attemptsToday"] != float64(1) || auth["remainingAttempts"] != float64(0) {
		t.Fatalf("unexpected usage in auth_success: %v", auth)
	}
	c2.send(startMsg("red lorry"))
	c2.expectError(protocol.CodeDailyLimitExceeded)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) {
		o.cfg.RateLimit = middleware.RateLimitConfig{MessageLimit: 2, Window: time.Minute, MaxAudioKB: 500}
	})
	c := h.authed(t, "tok-u1")

	c.send(stopMsg)
	c.expectError(protocol.CodeSessionNotFound)
	c.send(stopMsg)
	c.expectError(protocol.CodeSessionNotFound)
	c.send(stopMsg)
	payload := c.expectError(protocol.CodeRateLimited)
	if payload["message"] != "Rate limit exceeded: Max 2 messages per 60 seconds" {
		t.Fatalf("message = %v", payload["message"])
	}
}

func TestEngineFailureLeavesSessionInactive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.engine.SetOpenErr(errors.New("engine down"))
	c := h.authed(t, "tok-u1")

	c.send(startMsg("red lorry"))
	c.expectError(protocol.CodeEngineConnectionFailed)

	sess, ok := h.sessions.Get("u1")
	if !ok || sess.State.IsActive || sess.CurrentAttempt() != nil {
		t.Fatalf("session should be inactive without an attempt in progress: %+v", sess)
	}
	if d := h.handler.attempts.CanStartAttempt("u1"); !d.Allowed || d.AttemptsUsed != 0 {
		t.Fatalf("failed start must not count: %+v", d)
	}
}

func TestDisconnectTimesOutLongAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.cfg.MinAttemptDuration = 0 })
	c := h.authed(t, "tok-u1")
	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)

	_ = c.ws.Close(websocket.StatusNormalClosure, "bye")

	waitFor(t, "attempt timeout", func() bool {
		sess, ok := h.sessions.Get("u1")
		return ok && !sess.State.IsActive && len(sess.State.Attempts) == 1 &&
			sess.State.Attempts[0].Result == domain.AttemptTimeout
	})
	if h.gateway.HasHandle("u1") {
		t.Fatal("disconnect must close the recognition handle")
	}
	waitFor(t, "history row", func() bool {
		recs, _ := h.repo.ListAttempts(context.Background(), "u1", 1)
		return len(recs) == 1 && recs[0].Result == domain.AttemptTimeout
	})
}

func TestDisconnectPreservesShortAttemptForReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.cfg.MinAttemptDuration = time.Hour })
	c := h.authed(t, "tok-u1")
	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)

	_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "disconnect cleanup", func() bool {
		sess, ok := h.sessions.Get("u1")
		return !h.handler.Registry().IsConnected("u1") && !h.gateway.HasHandle("u1") &&
			ok && sess.HandleID == ""
	})
	sess, _ := h.sessions.Get("u1")
	if !sess.State.IsActive {
		t.Fatal("short attempt should stay active across disconnect")
	}

	c2 := h.authed(t, "tok-u1")
	c2.send(map[string]any{"type": "reconnect", "payload": map[string]any{"idToken": "tok-u1", "sessionId": "s-42"}})
	res := c2.expect(protocol.TypeReconnectResult)
	if res["sessionRestored"] != true || res["sessionId"] != "s-42" {
		t.Fatalf("unexpected RECONNECT_RESULT: %v", res)
	}
	c2.expect(protocol.TypeStreamReady)
	if h.engine.OpenCount() != 2 || !h.gateway.HasHandle("u1") {
		t.Fatalf("engine should be reopened: opens=%d", h.engine.OpenCount())
	}

	h.engine.LastStream().Emit(recognition.Event{Kind: recognition.EventPartial, Text: "red"})
	fb := c2.expect(protocol.TypeWordFeedbackLive)
	if fb["word"] != "red" {
		t.Fatalf("feedback should reach the new connection: %v", fb)
	}
}

func TestReconnect_Errors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := h.authed(t, "tok-u1")

	c.send(map[string]any{"type": "reconnect", "payload": map[string]any{"idToken": "tok-u2"}})
	c.expectError(protocol.CodeAuthFailed)

	c.send(map[string]any{"type": "reconnect", "payload": map[string]any{"idToken": "tok-u1"}})
	res := c.expect(protocol.TypeReconnectResult)
	if res["sessionRestored"] != false || !strings.Contains(res["message"].(string), "No existing session") {
		t.Fatalf("unexpected RECONNECT_RESULT: %v", res)
	}
}

func TestReconnect_SessionLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) {
		o.limits.MaxAttemptsPerDay = 10
		o.limits.MaxAttemptsPerSession = 1
	})
	c := h.authed(t, "tok-u1")
	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)
	c.send(stopMsg)
	c.expect(protocol.TypeStreamStopped)

	c.send(map[string]any{"type": "reconnect", "payload": map[string]any{"idToken": "tok-u1"}})
	payload := c.expectError(protocol.CodeReconnectLimitExceeded)
	if payload["message"] != "Session attempt limit reached (1 attempts)" {
		t.Fatalf("message = %v", payload["message"])
	}
}

func TestNewConnectionReplacesOld(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	first := h.authed(t, "tok-u1")
	second := h.authed(t, "tok-u1")

	first.expectClosed(websocket.StatusNormalClosure)
	waitFor(t, "single registration", func() bool {
		conn, ok := h.handler.Registry().Get("u1")
		return ok && h.handler.Registry().Count() == 1 && conn != nil
	})

	second.send(startMsg("red lorry"))
	second.expect(protocol.TypeSessionStarted)
	second.expect(protocol.TypeStreamReady)
	if !h.handler.Registry().IsConnected("u1") || !h.gateway.HasHandle("u1") {
		t.Fatal("replaced connection cleanup must not tear down the new one")
	}
}

func TestExpireSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(o *options) { o.cfg.MinAttemptDuration = time.Hour })
	c := h.authed(t, "tok-u1")
	c.send(startMsg("red lorry"))
	c.expect(protocol.TypeSessionStarted)
	c.expect(protocol.TypeStreamReady)

	h.handler.ExpireSession(context.Background(), "u1")
	if sess, _ := h.sessions.Get("u1"); !sess.State.IsActive {
		t.Fatal("connected users must not be expired")
	}

	abandoned, err := session.Start(session.Create("u2"), domain.ExerciseTongueTwister, "toy boat", time.Now())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.sessions.Set(abandoned)

	h.handler.ExpireSession(context.Background(), "u2")
	sess, _ := h.sessions.Get("u2")
	if sess.State.IsActive || sess.State.Attempts[0].Result != domain.AttemptTimeout {
		t.Fatalf("abandoned session should time out: %+v", sess.State)
	}
}

// takeoverStreams runs before once, right before the first CloseIfOwner,
// so a newer connection can take the user over mid-teardown.
type takeoverStreams struct {
	*recognition.Gateway
	before func()
	once   sync.Once
}

func (s *takeoverStreams) CloseIfOwner(ctx context.Context, userID string, conn recognition.Conn) bool {
	s.once.Do(s.before)
	return s.Gateway.CloseIfOwner(ctx, userID, conn)
}

func newTakeoverHandler(t *testing.T) (*Handler, *takeoverStreams, *session.Store) {
	t.Helper()
	sessions := session.NewStore()
	gw := recognition.NewGateway(&mock.Engine{}, sessions, nil, nil, recognition.GatewayConfig{})
	t.Cleanup(func() { gw.CloseAll(context.Background()) })
	streams := &takeoverStreams{Gateway: gw, before: func() {}}
	h := NewHandler(Deps{
		Sessions: sessions,
		Attempts: attempts.NewService(sessions, attempts.DefaultConfig()),
		Streams:  streams,
	}, Config{MinAttemptDuration: time.Second})
	return h, streams, sessions
}

func TestDisconnect_ReconnectDuringTeardownKeepsNewConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, streams, sessions := newTakeoverHandler(t)

	started, err := session.Start(session.Create("u1"), domain.ExerciseTongueTwister, "red lorry", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sessions.Set(started)

	old := newConn(nil, "u1", nil)
	h.registry.Register("u1", old)
	if _, err := streams.Open(ctx, old, "red lorry"); err != nil {
		t.Fatalf("Open old: %v", err)
	}

	newer := newConn(nil, "u1", nil)
	streams.before = func() {
		h.registry.Register("u1", newer)
		if _, err := streams.Open(ctx, newer, "red lorry"); err != nil {
			t.Errorf("Open newer: %v", err)
		}
	}

	h.disconnect(ctx, old)

	if !h.registry.IsConnected("u1") || !streams.HasHandle("u1") {
		t.Fatal("teardown of the old connection must keep the new connection's handle")
	}
	sess, _ := sessions.Get("u1")
	if !sess.State.IsActive || sess.CurrentAttempt() == nil || sess.CurrentAttempt().Closed() {
		t.Fatalf("restored session must stay active with its attempt open: %+v", sess.State)
	}
	h.registry.Unregister("u1", newer)
}

func TestDisconnect_ReconnectDuringTeardownKeepsInactiveSession(t *testing.T) {
	t.Parallel()
	h, streams, sessions := newTakeoverHandler(t)
	sessions.Set(session.Create("u1"))

	old := newConn(nil, "u1", nil)
	newer := newConn(nil, "u1", nil)
	h.registry.Register("u1", old)
	streams.before = func() { h.registry.Register("u1", newer) }

	h.disconnect(context.Background(), old)

	if _, ok := sessions.Get("u1"); !ok {
		t.Fatal("session must survive when a newer connection holds the user")
	}
	h.registry.Unregister("u1", newer)
}
