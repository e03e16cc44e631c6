package server

import (
	"errors"
	"sort"
	"sync"
)

// ErrTooManySessions is returned when the session limit is reached.
var ErrTooManySessions = errors.New("session limit reached")

// ErrSessionExists is returned when a session ID is registered twice.
var ErrSessionExists = errors.New("session already registered")

// Registry tracks the live sessions of a server. It is safe for concurrent
// access.
type Registry struct {
	mu sync.RWMutex

	// sessions maps sessionID -> Session
	sessions map[string]*Session

	// maxSessions caps len(sessions); zero means unlimited.
	maxSessions int
}

// NewRegistry creates a registry that admits at most maxSessions sessions.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return ErrTooManySessions
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove unregisters a session. Unknown IDs are ignored.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Get returns a session by ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	return session, exists
}

// List returns all live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// ListByConn returns the live sessions sharing a transport connection.
func (r *Registry) ListByConn(connID string) []*Session {
	var out []*Session
	for _, s := range r.List() {
		if s.ConnID == connID {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByTransport returns the number of live sessions per transport.
func (r *Registry) CountByTransport() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[s.Transport]++
	}
	return counts
}
