package tokencache

import (
	"context"
	"errors"

	"github.com/birbparty/fmdapi/dataapi"
)

// Backend is the storage a Session works against. Store implements it.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, error)
	Save(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
}

// Session keeps one account's cached token in step with a client
type Session struct {
	backend Backend
	key     string
}

// NewSession binds key to backend
func NewSession(backend Backend, key string) *Session {
	return &Session{backend: backend, key: key}
}

// Session binds the cache slot of one account
func (s *Store) Session(baseURL, database, username string) *Session {
	return NewSession(s, Key(baseURL, database, username))
}

// Key returns the cache key of the session
func (s *Session) Key() string {
	return s.key
}

// Resume loads the cached token into config. It reports false when
// nothing was cached.
func (s *Session) Resume(ctx context.Context, config *dataapi.Config) (bool, error) {
	entry, err := s.backend.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	config.WithToken(entry.Token, entry.IssuedAt)
	return true, nil
}

// Sync writes the client's current token to the cache, or removes the
// cached token when the client holds none.
func (s *Session) Sync(ctx context.Context, client *dataapi.Client) error {
	if !client.HasToken() {
		return s.backend.Delete(ctx, s.key)
	}
	issued, _ := client.TokenIssuedAt()
	return s.backend.Save(ctx, s.key, Entry{Token: client.Token(), IssuedAt: issued})
}

// Forget removes the cached token
func (s *Session) Forget(ctx context.Context) error {
	return s.backend.Delete(ctx, s.key)
}
