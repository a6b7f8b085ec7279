package recognition

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/observe"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/ashureev/speakeasy/internal/session"
	"github.com/google/uuid"
)

var (
	ErrMissingUserID       = errors.New("connection is not authenticated")
	ErrNoActiveConnection  = errors.New("no active recognition connection")
	ErrInvalidAudioFormat  = errors.New("invalid audio data format")
	ErrEngineStartFailed   = errors.New("recognition engine failed to start")
	ErrEngineNotConfigured = errors.New("recognition engine not configured")
)

const userLockStripes = 64

// Conn is the client connection that receives engine feedback.
type Conn interface {
	UserID() string
	Send(ctx context.Context, env protocol.Envelope) error
}

// GatewayConfig holds stream settings passed to the engine.
type GatewayConfig struct {
	Language     string
	SampleRate   int
	StartTimeout time.Duration
}

type handle struct {
	id        string
	userID    string
	conn      Conn
	stream    Stream
	closeOnce sync.Once
}

// Gateway owns one recognition handle per user.
type Gateway struct {
	engine   Engine
	sessions *session.Store
	matcher  *Matcher
	metrics  *observe.Metrics
	cfg      GatewayConfig

	mu      sync.Mutex
	handles map[string]*handle

	// userLocks serializes close-then-open per user.
	userLocks [userLockStripes]sync.Mutex
}

// NewGateway creates a gateway over engine.
func NewGateway(engine Engine, sessions *session.Store, matcher *Matcher, metrics *observe.Metrics, cfg GatewayConfig) *Gateway {
	if matcher == nil {
		matcher = NewMatcher(false)
	}
	if metrics == nil {
		metrics = observe.Noop()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	return &Gateway{
		engine:   engine,
		sessions: sessions,
		matcher:  matcher,
		metrics:  metrics,
		cfg:      cfg,
		handles:  make(map[string]*handle),
	}
}

func (g *Gateway) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &g.userLocks[h.Sum32()%userLockStripes]
}

// Open starts a recognition stream for the connection's user, attaches it to
// the stored session and returns the new handle ID. Any existing handle for
// the user is closed first.
func (g *Gateway) Open(ctx context.Context, conn Conn, expectedText string) (string, error) {
	userID := conn.UserID()
	if userID == "" {
		return "", ErrMissingUserID
	}
	if g.engine == nil {
		return "", ErrEngineNotConfigured
	}

	lock := g.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if old := g.take(userID); old != nil {
		slog.Warn("Closing existing recognition handle before opening a new one", "user_id", userID, "handle_id", old.id)
		g.closeHandle(ctx, old)
	}

	openCtx, cancel := context.WithTimeout(ctx, g.cfg.StartTimeout)
	defer cancel()

	started := time.Now()
	stream, err := g.engine.Open(openCtx, StreamConfig{
		ReferenceText: expectedText,
		Language:      g.cfg.Language,
		SampleRate:    g.cfg.SampleRate,
	})
	g.metrics.EngineOpenDuration.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		g.metrics.RecordEngineError(ctx, "open")
		return "", fmt.Errorf("%w: %w", ErrEngineStartFailed, err)
	}

	h := &handle{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		stream: stream,
	}
	g.mu.Lock()
	g.handles[userID] = h
	g.mu.Unlock()
	g.metrics.ActiveStreams.Add(ctx, 1)

	_, _ = g.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil {
			return nil, nil
		}
		return session.SetRecognitionHandle(cur, h.id), nil
	})

	go g.consume(h)

	slog.Info("Recognition stream opened", "user_id", userID, "handle_id", h.id)
	return h.id, nil
}

// SendAudio decodes a base64 chunk and forwards it to the user's stream.
func (g *Gateway) SendAudio(ctx context.Context, userID, audioBase64 string) error {
	h := g.current(userID)
	if h == nil {
		return ErrNoActiveConnection
	}
	data, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return ErrInvalidAudioFormat
	}
	if err := h.stream.Write(ctx, data); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// Close releases the user's handle. It is safe to call when none exists.
func (g *Gateway) Close(ctx context.Context, userID string) {
	lock := g.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if h := g.take(userID); h != nil {
		g.closeHandle(ctx, h)
	}
}

// CloseIfOwner releases the user's handle only if it was opened for conn.
// A replaced connection uses this so it never tears down its successor.
func (g *Gateway) CloseIfOwner(ctx context.Context, userID string, conn Conn) bool {
	lock := g.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	g.mu.Lock()
	h, ok := g.handles[userID]
	if !ok || h.conn != conn {
		g.mu.Unlock()
		return false
	}
	delete(g.handles, userID)
	g.mu.Unlock()

	g.closeHandle(ctx, h)
	return true
}

// HasHandle reports whether the user has an open stream.
func (g *Gateway) HasHandle(userID string) bool {
	return g.current(userID) != nil
}

// HandleCount returns the number of open streams.
func (g *Gateway) HandleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// CloseAll releases every handle.
func (g *Gateway) CloseAll(ctx context.Context) {
	g.mu.Lock()
	users := make([]string, 0, len(g.handles))
	for userID := range g.handles {
		users = append(users, userID)
	}
	g.mu.Unlock()

	for _, userID := range users {
		g.Close(ctx, userID)
	}
}

func (g *Gateway) current(userID string) *handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handles[userID]
}

func (g *Gateway) take(userID string) *handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.handles[userID]
	delete(g.handles, userID)
	return h
}

// release removes h from the map if it is still the registered handle.
func (g *Gateway) release(h *handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.handles[h.userID]; ok && cur == h {
		delete(g.handles, h.userID)
		return true
	}
	return false
}

func (g *Gateway) closeHandle(ctx context.Context, h *handle) {
	h.closeOnce.Do(func() {
		if err := h.stream.CloseAudio(); err != nil {
			slog.Debug("Failed to close audio input", "user_id", h.userID, "error", err)
		}
		if err := h.stream.Stop(ctx); err != nil {
			slog.Warn("Recognition stop failed, closing anyway", "user_id", h.userID, "error", err)
		}
		if err := h.stream.Close(); err != nil {
			slog.Debug("Failed to close recognition stream", "user_id", h.userID, "error", err)
		}
		g.metrics.ActiveStreams.Add(ctx, -1)
		g.clearSessionHandle(h)
		slog.Info("Recognition stream closed", "user_id", h.userID, "handle_id", h.id)
	})
}

func (g *Gateway) clearSessionHandle(h *handle) {
	_, _ = g.sessions.Update(h.userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil || cur.HandleID != h.id {
			return cur, nil
		}
		return session.ClearRecognitionHandle(cur), nil
	})
}

// consume translates engine events for one handle until its stream ends.
func (g *Gateway) consume(h *handle) {
	ctx := context.Background()
	for ev := range h.stream.Events() {
		if g.current(h.userID) != h {
			// Stale handle: a newer stream owns this user.
			continue
		}
		switch ev.Kind {
		case EventPartial:
			g.handlePartial(ctx, h, ev.Text)
		case EventFinal:
			g.handleFinal(ctx, h, ev)
		case EventNoMatch:
			g.resetWordIndex(h.userID)
			g.send(ctx, h, protocol.Error(protocol.CodeNoSpeechMatch, "No speech could be recognized", nil))
		case EventCanceled:
			g.metrics.RecordEngineError(ctx, "canceled")
			details := map[string]any{}
			if ev.Err != nil {
				details["reason"] = ev.Err.Error()
			}
			g.send(ctx, h, protocol.Error(protocol.CodeEngineRecognitionFailed, "Speech recognition was canceled", details))
			g.terminate(ctx, h)
		case EventStopped:
			g.send(ctx, h, protocol.Error(protocol.CodeEngineNotReady, "Speech recognition session ended", nil))
			g.terminate(ctx, h)
		}
	}

	// The stream ended without a stop event while still registered.
	if g.current(h.userID) == h {
		g.metrics.RecordEngineError(ctx, "disconnected")
		g.send(ctx, h, protocol.Error(protocol.CodeEngineConnectionFailed, "Speech recognition connection lost", nil))
		g.terminate(ctx, h)
	}
}

func (g *Gateway) terminate(ctx context.Context, h *handle) {
	g.resetWordIndex(h.userID)
	if g.release(h) {
		g.closeHandle(ctx, h)
	}
}

type wordMatch struct {
	word  string
	index int
}

func (g *Gateway) handlePartial(ctx context.Context, h *handle, text string) {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return
	}

	var matches []wordMatch
	_, err := g.sessions.Update(h.userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		matches = matches[:0]
		if cur == nil || !session.CanAdvanceWordIndex(cur) {
			return cur, nil
		}
		cfg := cur.State.ExerciseConfig
		display := strings.Fields(cfg.ExpectedText)
		next := cur
		for _, tok := range tokens {
			if !session.CanAdvanceWordIndex(next) {
				break
			}
			idx := next.State.NextWordToConfirmIndex
			if !g.matcher.Match(tok, cfg.ExpectedWords[idx]) {
				continue
			}
			advanced, err := session.AdvanceWordIndex(next)
			if err != nil {
				return nil, err
			}
			next = advanced
			word := cfg.ExpectedWords[idx]
			if idx < len(display) {
				word = display[idx]
			}
			matches = append(matches, wordMatch{word: word, index: idx})
		}
		return next, nil
	})
	if err != nil {
		slog.Warn("Failed to advance word index", "user_id", h.userID, "error", err)
		return
	}

	for _, m := range matches {
		g.metrics.WordsMatched.Add(ctx, 1)
		g.send(ctx, h, protocol.WordFeedback(m.word, m.index))
	}
}

func (g *Gateway) handleFinal(ctx context.Context, h *handle, ev Event) {
	result := ev.Result
	if len(result) == 0 {
		result = []byte(`{}`)
	}
	_, _ = g.sessions.Update(h.userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil {
			return nil, nil
		}
		next := session.ResetWordIndex(cur)
		if withFeedback, err := session.RecordFeedback(next, result); err == nil {
			next = withFeedback
		}
		return next, nil
	})
	g.send(ctx, h, protocol.PronunciationFeedback(result))
}

func (g *Gateway) resetWordIndex(userID string) {
	_, _ = g.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
		if cur == nil {
			return nil, nil
		}
		return session.ResetWordIndex(cur), nil
	})
}

func (g *Gateway) send(ctx context.Context, h *handle, env protocol.Envelope) {
	if err := h.conn.Send(ctx, env); err != nil {
		slog.Debug("Failed to deliver recognition event", "user_id", h.userID, "type", env.Type, "error", err)
	}
}
