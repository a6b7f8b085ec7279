// Package coach serves the speech-coaching WebSocket protocol.
package coach

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/speakeasy/internal/middleware"
	"github.com/ashureev/speakeasy/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// Conn is an authenticated client connection.
type Conn struct {
	id      string
	userID  string
	ws      *websocket.Conn
	limiter *middleware.ConnLimiter
}

func newConn(ws *websocket.Conn, userID string, limiter *middleware.ConnLimiter) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		userID:  userID,
		ws:      ws,
		limiter: limiter,
	}
}

// ID returns the connection's unique ID.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated user.
func (c *Conn) UserID() string { return c.userID }

// Send writes env as a JSON text frame.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	return writeEnvelope(ctx, c.ws, env)
}

// Close closes the underlying WebSocket.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
