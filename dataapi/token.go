package dataapi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenRefreshThreshold is how long a token may sit unused before it is
// treated as stale. The server drops sessions after 15 idle minutes.
const TokenRefreshThreshold = 14 * time.Minute

// CredentialKind identifies the stored re-authentication strategy.
type CredentialKind int

const (
	// CredentialsNone means no login has succeeded yet
	CredentialsNone CredentialKind = iota
	// CredentialsBasic replays a username/password login
	CredentialsBasic
	// CredentialsOAuth replays an OAuth request-id/identifier login
	CredentialsOAuth
)

// String returns the string representation of the credential kind
func (k CredentialKind) String() string {
	switch k {
	case CredentialsBasic:
		return "basic"
	case CredentialsOAuth:
		return "oauth"
	default:
		return "none"
	}
}

// Credentials holds exactly one re-authentication strategy.
type Credentials struct {
	Kind       CredentialKind
	Username   string
	Password   string
	RequestID  string
	Identifier string
}

// Authenticator opens a new server session with the given credentials and
// returns its token. It must not call back into the TokenManager.
type Authenticator func(ctx context.Context, creds Credentials) (string, error)

// TokenManager owns the session token, its issue time and the credentials
// used for silent re-authentication.
//
// Every authenticated call goes through AuthHeader, which renews the issue
// time on use (sliding expiry) and replays the stored login when the token
// has been idle longer than TokenRefreshThreshold.
//
// The mutex keeps individual reads and writes consistent. It does not make
// the authenticate-then-call sequence of a Client atomic.
type TokenManager struct {
	mu           sync.Mutex
	token        string
	issuedAt     time.Time
	hasToken     bool
	creds        Credentials
	authenticate Authenticator
	now          func() time.Time
}

// NewTokenManager creates a token manager that refreshes through authenticate.
// A nil authenticator makes every refresh fail.
func NewTokenManager(authenticate Authenticator) *TokenManager {
	return &TokenManager{
		authenticate: authenticate,
		now:          time.Now,
	}
}

// SetToken stores token. The issue time defaults to now.
// An empty token is rejected; any other value, including "0", is accepted.
func (m *TokenManager) SetToken(token string, issuedAt ...time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setTokenLocked(token, issuedAt...)
}

func (m *TokenManager) setTokenLocked(token string, issuedAt ...time.Time) error {
	if token == "" {
		return ErrEmptyToken
	}
	m.token = token
	m.hasToken = true
	m.issuedAt = m.now()
	if len(issuedAt) > 0 && !issuedAt[0].IsZero() {
		m.issuedAt = issuedAt[0]
	}
	return nil
}

// Token returns the current token, or "" when none is held
func (m *TokenManager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// IssuedAt returns the token issue time. ok is false when no time is recorded.
func (m *TokenManager) IssuedAt() (t time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issuedAt, !m.issuedAt.IsZero()
}

// HasToken reports whether a token is held
func (m *TokenManager) HasToken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasToken
}

// IsExpired is true when no issue time is recorded or the token has been
// idle for more than TokenRefreshThreshold.
func (m *TokenManager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isExpiredLocked()
}

func (m *TokenManager) isExpiredLocked() bool {
	if m.issuedAt.IsZero() {
		return true
	}
	return m.now().Sub(m.issuedAt) > TokenRefreshThreshold
}

// StoreCredentials records a username/password pair for refreshes,
// replacing any stored OAuth identifiers.
func (m *TokenManager) StoreCredentials(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrEmptyCredentials)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{Kind: CredentialsBasic, Username: username, Password: password}
	return nil
}

// StoreOAuth records OAuth identifiers for refreshes, replacing any stored
// username/password pair.
func (m *TokenManager) StoreOAuth(requestID, identifier string) error {
	if requestID == "" || identifier == "" {
		return fmt.Errorf("%w: OAuth request id and identifier are required", ErrEmptyCredentials)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{Kind: CredentialsOAuth, RequestID: requestID, Identifier: identifier}
	return nil
}

// Credentials returns a copy of the stored credentials
func (m *TokenManager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Refresh replays the stored login and stores the new token.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	if m.creds.Kind == CredentialsNone {
		return ErrNoCredentials
	}
	if m.authenticate == nil {
		return fmt.Errorf("no authenticator configured")
	}
	token, err := m.authenticate(ctx, m.creds)
	if err != nil {
		return err
	}
	return m.setTokenLocked(token)
}

// AuthHeader returns the Authorization header value for the next call.
//
// Without a token it fails with ErrAuthUnavailable. A stale token is
// refreshed first; if that fails the token is dropped and the error wraps
// ErrAuthUnavailable. A fresh token has its issue time renewed.
func (m *TokenManager) AuthHeader(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasToken {
		return "", ErrAuthUnavailable
	}

	if m.isExpiredLocked() {
		if err := m.refreshLocked(ctx); err != nil {
			m.token = ""
			m.hasToken = false
			m.issuedAt = time.Time{}
			return "", fmt.Errorf("%w: token refresh failed: %w", ErrAuthUnavailable, err)
		}
		return "Bearer " + m.token, nil
	}

	m.issuedAt = m.now()
	return "Bearer " + m.token, nil
}

// Clear forgets the token and, unless keepCredentials is set, the stored credentials.
func (m *TokenManager) Clear(keepCredentials bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.hasToken = false
	m.issuedAt = time.Time{}
	if !keepCredentials {
		m.creds = Credentials{}
	}
}
