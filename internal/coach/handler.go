package coach

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ashureev/speakeasy/internal/attempts"
	"github.com/ashureev/speakeasy/internal/domain"
	"github.com/ashureev/speakeasy/internal/identity"
	"github.com/ashureev/speakeasy/internal/middleware"
	"github.com/ashureev/speakeasy/internal/observe"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/ashureev/speakeasy/internal/recognition"
	"github.com/ashureev/speakeasy/internal/recovery"
	"github.com/ashureev/speakeasy/internal/session"
	"github.com/coder/websocket"
)

const maxMessageBytes = 1 << 20

// Profiles is the persisted profile store used by the handler.
type Profiles interface {
	GetOrCreateUser(ctx context.Context, id *identity.Identity) (*domain.UserAccount, error)
	CheckUsage(ctx context.Context, userID string) (identity.Usage, error)
	IncrementAttempts(ctx context.Context, userID string) (*domain.UserAccount, error)
	RecordSession(ctx context.Context, userID string) error
	RecordAttempt(ctx context.Context, rec *domain.AttemptRecord) error
}

// Streams owns per-user recognition streams.
type Streams interface {
	Open(ctx context.Context, conn recognition.Conn, expectedText string) (string, error)
	SendAudio(ctx context.Context, userID, audioBase64 string) error
	Close(ctx context.Context, userID string)
	CloseIfOwner(ctx context.Context, userID string, conn recognition.Conn) bool
}

// Config holds connection policy.
type Config struct {
	AllowedOrigin      string
	IsDev              bool
	AuthTimeout        time.Duration
	RateLimit          middleware.RateLimitConfig
	MinAttemptDuration time.Duration
}

// Deps are the collaborators of Handler.
type Deps struct {
	Verifier identity.TokenVerifier
	Profiles Profiles
	Sessions *session.Store
	Attempts *attempts.Service
	Streams  Streams
	Recovery *recovery.Service
	Registry *Registry
	Metrics  *observe.Metrics
}

// Handler serves coaching sessions over WebSocket.
type Handler struct {
	cfg      Config
	verifier identity.TokenVerifier
	profiles Profiles
	sessions *session.Store
	attempts *attempts.Service
	streams  Streams
	recovery *recovery.Service
	registry *Registry
	metrics  *observe.Metrics
	now      func() time.Time
}

// NewHandler creates a WebSocket handler.
func NewHandler(deps Deps, cfg Config) *Handler {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit = middleware.DefaultRateLimitConfig()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.Noop()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Recovery == nil {
		deps.Recovery = recovery.NewService(deps.Sessions, deps.Streams)
	}
	return &Handler{
		cfg:      cfg,
		verifier: deps.Verifier,
		profiles: deps.Profiles,
		sessions: deps.Sessions,
		attempts: deps.Attempts,
		streams:  deps.Streams,
		recovery: deps.Recovery,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
}

// Registry returns the connection registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	user, ok := h.authenticate(ctx, ws)
	if !ok {
		return
	}

	conn := newConn(ws, user.UserID, middleware.NewConnLimiter(h.cfg.RateLimit))
	h.registry.Register(user.UserID, conn)
	h.metrics.ActiveConnections.Add(ctx, 1)
	defer h.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	defer h.disconnect(context.WithoutCancel(ctx), conn)

	h.readLoop(ctx, conn)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

// authenticate runs the AUTH handshake. The first message must arrive
// within AuthTimeout and carry a valid ID token.
func (h *Handler) authenticate(ctx context.Context, ws *websocket.Conn) (*domain.UserAccount, bool) {
	var settled atomic.Bool
	timer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		if !settled.CompareAndSwap(false, true) {
			return
		}
		slog.Warn("WebSocket authentication timed out")
		h.rejectHandshake(ctx, ws, protocol.Error(protocol.CodeAuthTimeout, "Authentication timeout", nil))
	})
	defer timer.Stop()

	_, raw, err := ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == -1 && !settled.Load() {
			slog.Debug("WebSocket closed before authentication", "error", err)
		}
		return nil, false
	}
	if !settled.CompareAndSwap(false, true) {
		return nil, false
	}

	auth, err := protocol.ValidateAuth(raw)
	if err != nil {
		var invalid *protocol.ValidationError
		if errors.As(err, &invalid) {
			h.rejectHandshake(ctx, ws, protocol.FromValidation(invalid))
		}
		return nil, false
	}

	id, err := h.verifier.VerifyToken(ctx, auth.IDToken)
	if err != nil {
		slog.Warn("Token verification failed", "error", err)
		h.rejectHandshake(ctx, ws, protocol.Error(protocol.CodeAuthFailed, "Authentication failed", nil))
		return nil, false
	}

	user, err := h.profiles.GetOrCreateUser(ctx, id)
	if err != nil {
		slog.Warn("Profile lookup failed", "user_id", id.UID, "error", err)
		code, message, _ := errorCode(err)
		if code == protocol.CodeInternal {
			code, message = protocol.CodeAuthFailed, "Authentication failed"
		}
		h.rejectHandshake(ctx, ws, protocol.Error(code, message, nil))
		return nil, false
	}

	attemptsToday, remaining := 0, user.DailyLimit
	if usage, err := h.profiles.CheckUsage(ctx, user.UserID); err != nil {
		slog.Warn("Failed to load usage", "user_id", user.UserID, "error", err)
	} else {
		attemptsToday, remaining = usage.AttemptsToday, usage.Remaining
	}

	if err := writeEnvelope(ctx, ws, protocol.AuthSuccess(user, attemptsToday, remaining)); err != nil {
		slog.Debug("Failed to send auth_success", "user_id", user.UserID, "error", err)
		return nil, false
	}
	slog.Info("WebSocket authenticated", "user_id", user.UserID)
	return user, true
}

func (h *Handler) rejectHandshake(ctx context.Context, ws *websocket.Conn, env protocol.Envelope) {
	if err := writeEnvelope(context.WithoutCancel(ctx), ws, env); err != nil {
		slog.Debug("Failed to send handshake error", "error", err)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, "authentication required")
}

func (h *Handler) readLoop(ctx context.Context, conn *Conn) {
	for {
		_, raw, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", conn.UserID())
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", conn.UserID())
			}
			return
		}
		h.handleMessage(ctx, conn, raw)
	}
}

// handleMessage validates, rate-limits and dispatches one inbound frame.
// Every failure is reported to the client; the connection stays open.
func (h *Handler) handleMessage(ctx context.Context, conn *Conn, raw []byte) {
	msg, err := protocol.Validate(raw)
	if err != nil {
		h.sendError(ctx, conn, err)
		return
	}

	if err := conn.limiter.AllowMessage(); err != nil {
		h.rejectRateLimited(ctx, conn, err)
		return
	}
	if audio, ok := msg.(protocol.AudioData); ok {
		if err := conn.limiter.AllowAudio(audio.AudioBase64); err != nil {
			h.rejectRateLimited(ctx, conn, err)
			return
		}
	}

	h.metrics.RecordMessage(ctx, msg.MessageType())
	if msg.MessageType() != protocol.TypeAudioData {
		slog.Debug("WebSocket message", "user_id", conn.UserID(), "type", msg.MessageType())
	}

	if err := h.dispatch(ctx, conn, msg); err != nil {
		h.sendError(ctx, conn, err)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Auth:
		return newCodedError(protocol.CodeInvalidMessage, "Already authenticated", nil)
	case protocol.StartSession:
		return h.handleStartSession(ctx, conn, m.ExerciseText)
	case protocol.SubmitExercise:
		return h.handleSubmitExercise(ctx, conn, m.ExerciseText)
	case protocol.AudioData:
		return h.handleAudioData(ctx, conn, m.AudioBase64)
	case protocol.StopSession:
		return h.handleStopSession(ctx, conn)
	case protocol.Reconnect:
		return h.handleReconnect(ctx, conn, m)
	default:
		return newCodedError(protocol.CodeUnsupportedType, "Unsupported message type: "+msg.MessageType(), nil)
	}
}

func (h *Handler) rejectRateLimited(ctx context.Context, conn *Conn, err error) {
	var limited *middleware.RateLimitError
	if !errors.As(err, &limited) {
		h.sendError(ctx, conn, err)
		return
	}
	h.metrics.RecordRateLimited(ctx, limited.Kind)
	slog.Warn("Rate limit exceeded", "user_id", conn.UserID(), "kind", limited.Kind)
	h.send(ctx, conn, protocol.Error(protocol.CodeRateLimited, limited.Message, map[string]any{"limit": limited.Kind}))
}

func (h *Handler) sendError(ctx context.Context, conn *Conn, err error) {
	code, message, details := errorCode(err)
	if code == protocol.CodeInternal {
		slog.Error("Message handling failed", "user_id", conn.UserID(), "error", err)
	} else {
		slog.Debug("Message rejected", "user_id", conn.UserID(), "code", code, "error", err)
	}
	h.send(ctx, conn, protocol.Error(code, message, details))
}

func (h *Handler) send(ctx context.Context, conn *Conn, env protocol.Envelope) {
	if err := conn.Send(ctx, env); err != nil {
		slog.Debug("Failed to send message", "user_id", conn.UserID(), "type", env.Type, "error", err)
	}
}

// disconnect applies the disconnect policy once the read loop ends.
func (h *Handler) disconnect(ctx context.Context, conn *Conn) {
	userID := conn.UserID()
	current := h.registry.Unregister(userID, conn)
	// Only a handle opened for this connection is released; a newer
	// connection may already have opened its own.
	h.streams.CloseIfOwner(ctx, userID, conn)
	if !current {
		slog.Info("Replaced connection closed", "user_id", userID, "conn_id", conn.ID())
		return
	}

	sess, ok := h.sessions.Get(userID)
	if !ok {
		return
	}
	if !sess.State.IsActive {
		_, _ = h.sessions.Update(userID, func(cur *domain.AudioSession) (*domain.AudioSession, error) {
			if cur != nil && (cur.State.IsActive || h.registry.IsConnected(userID)) {
				return cur, nil
			}
			return nil, nil
		})
		slog.Info("Session removed on disconnect", "user_id", userID)
		return
	}

	if active := session.ActiveFor(sess, h.now()); active >= h.cfg.MinAttemptDuration {
		err := h.finishIfDisconnected(ctx, userID, domain.AttemptTimeout)
		switch {
		case errors.Is(err, errUserReconnected):
			slog.Info("Session kept for newer connection", "user_id", userID)
		case err != nil:
			slog.Warn("Failed to time out attempt on disconnect", "user_id", userID, "error", err)
		default:
			slog.Info("Attempt timed out on disconnect", "user_id", userID, "active_for", active)
		}
		return
	}
	slog.Info("Session preserved for reconnect", "user_id", userID)
}

// ExpireSession times out the active session of a user whose connection
// never came back. It is the idle sweeper's expiry callback.
func (h *Handler) ExpireSession(ctx context.Context, userID string) {
	if h.registry.IsConnected(userID) {
		return
	}
	h.streams.Close(ctx, userID)
	err := h.finishIfDisconnected(ctx, userID, domain.AttemptTimeout)
	if err != nil && !errors.Is(err, session.ErrSessionNotActive) && !errors.Is(err, errUserReconnected) {
		slog.Warn("Failed to expire session", "user_id", userID, "error", err)
	}
}
