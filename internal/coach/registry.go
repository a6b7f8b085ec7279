package coach

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Registry tracks the live connection of each user. A user holds at most one.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Conn)}
}

// Register makes conn the user's live connection, closing any previous one.
func (r *Registry) Register(userID string, conn *Conn) {
	r.mu.Lock()
	existing, exists := r.active[userID]
	r.active[userID] = conn
	r.mu.Unlock()

	if exists && existing != conn {
		slog.Info("Replacing existing connection", "user_id", userID, "old_conn_id", existing.ID(), "conn_id", conn.ID())
		go func() {
			_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
		}()
	}
	slog.Info("Connection registered", "user_id", userID, "conn_id", conn.ID())
}

// Unregister removes conn if it is still the user's live connection and
// reports whether it was.
func (r *Registry) Unregister(userID string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[userID]; ok && current == conn {
		delete(r.active, userID)
		slog.Info("Connection unregistered", "user_id", userID, "conn_id", conn.ID())
		return true
	}
	return false
}

// Get returns the user's live connection.
func (r *Registry) Get(userID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.active[userID]
	return c, ok
}

// IsConnected reports whether the user has a live connection.
func (r *Registry) IsConnected(userID string) bool {
	_, ok := r.Get(userID)
	return ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// CloseAll closes every live connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.active))
	for userID, c := range r.active {
		conns = append(conns, c)
		delete(r.active, userID)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
