package fakeserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one open Data API session
type Session struct {
	Token      string
	Account    string
	OpenedAt   time.Time
	LastActive time.Time
	// Globals holds global field values set for this session
	Globals map[string]string
}

// SessionStore keeps open sessions. A session expires once it has been idle
// for longer than the TTL; every accepted use renews it.
type SessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*Session
	onChange func(count int)
}

// NewSessionStore creates a store. A nil now uses time.Now.
func NewSessionStore(ttl time.Duration, now func() time.Time) *SessionStore {
	if now == nil {
		now = time.Now
	}
	return &SessionStore{
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*Session),
	}
}

// OnChange registers a callback receiving the session count after every change
func (s *SessionStore) OnChange(fn func(count int)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open starts a session for account and returns its token
func (s *SessionStore) Open(account string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	token := uuid.NewString()
	s.sessions[token] = &Session{
		Token:      token,
		Account:    account,
		OpenedAt:   now,
		LastActive: now,
		Globals:    make(map[string]string),
	}
	s.changed()
	return token
}

// Touch validates token and renews it. It returns nil when the token is
// unknown or idle for longer than the TTL.
func (s *SessionStore) Touch(token string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil
	}
	now := s.now()
	if now.Sub(sess.LastActive) > s.ttl {
		delete(s.sessions, token)
		s.changed()
		return nil
	}
	sess.LastActive = now
	return sess
}

// SetGlobals stores global field values on a session
func (s *SessionStore) SetGlobals(token string, values map[string]string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	for k, v := range values {
		sess.Globals[k] = v
	}
	return true
}

// Globals returns a copy of the global field values of a session
func (s *SessionStore) Globals(token string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	if sess, ok := s.sessions[token]; ok {
		for k, v := range sess.Globals {
			out[k] = v
		}
	}
	return out
}

// Close ends a session. It reports whether the token was open.
func (s *SessionStore) Close(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return false
	}
	delete(s.sessions, token)
	s.changed()
	return true
}

// Sweep drops every expired session and returns how many were removed
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, sess := range s.sessions {
		if now.Sub(sess.LastActive) > s.ttl {
			delete(s.sessions, token)
			removed++
		}
	}
	if removed > 0 {
		s.changed()
	}
	return removed
}

// Count returns the number of held sessions, expired or not
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// changed must be called with mu held
func (s *SessionStore) changed() {
	if s.onChange != nil {
		s.onChange(len(s.sessions))
	}
}
