package domain

import (
	"sync"
	"time"
)

// Session is one relay client's authenticated state.
type Session struct {
	ID            string
	UserID        string
	Username      string
	Roles         []string
	Authenticated bool
	CreatedAt     time.Time
	LastActiveAt  time.Time
	mu            sync.RWMutex
}

// NewSession creates a new session with a unique ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Authenticate sets the user information after successful authentication.
func (s *Session) Authenticate(userID, username string, roles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserID = userID
	s.Username = username
	s.Roles = roles
	s.Authenticated = true
	s.LastActiveAt = time.Now()
}

// IsAuthenticated returns whether the session is authenticated.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Authenticated
}

// Identity returns the bus identity of the session.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Username
}

// HasRole reports whether the session holds role.
func (s *Session) HasRole(role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UpdateActivity updates the last active timestamp.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
