// Package session holds per-user exercise session state and its transitions.
package session

import (
	"sync"

	"github.com/ashureev/speakeasy/internal/domain"
)

// Store is the process-wide registry of audio sessions keyed by user ID.
// Stored values are treated as immutable; writers replace them.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.AudioSession
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*domain.AudioSession),
	}
}

// Get returns the session for a user.
func (s *Store) Get(userID string) (*domain.AudioSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Set stores a session under its user ID.
func (s *Store) Set(sess *domain.AudioSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = sess
}

// Remove deletes the session for a user and reports whether one existed.
func (s *Store) Remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; !ok {
		return false
	}
	delete(s.sessions, userID)
	return true
}

// List returns all sessions.
func (s *Store) List() []*domain.AudioSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.AudioSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// ListActive returns sessions with an exercise in progress.
func (s *Store) ListActive() []*domain.AudioSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AudioSession
	for _, sess := range s.sessions {
		if sess.State.IsActive {
			out = append(out, sess)
		}
	}
	return out
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ActiveCount returns the number of active sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.State.IsActive {
			n++
		}
	}
	return n
}

// Clear removes every session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*domain.AudioSession)
}

// Update atomically replaces the session for a user with the result of fn.
// fn receives nil when no session exists. Returning a nil session removes the
// entry. When fn returns an error the store is left unchanged.
func (s *Store) Update(userID string, fn func(cur *domain.AudioSession) (*domain.AudioSession, error)) (*domain.AudioSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.sessions[userID])
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.sessions, userID)
		return nil, nil
	}
	s.sessions[userID] = next
	return next, nil
}
