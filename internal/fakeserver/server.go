package fakeserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Server is an in-memory Data API server
type Server struct {
	config   *Config
	app      *fiber.App
	store    *Store
	sessions *SessionStore
	log      logrus.FieldLogger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Server
type Option func(*Server)

// WithClock replaces the clock used for session expiry
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithLogger sets the server logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithStore serves store instead of a fresh one
func WithStore(store *Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a server. Demo data is loaded when config.Seed is set and
// no store was given.
func New(config *Config, opts ...Option) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fake server config: %w", err)
	}

	s := &Server{
		config: config,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = telemetry.L()
	}
	if s.store == nil {
		s.store = NewStore(config.Database)
		if config.Seed {
			Seed(s.store)
		}
	}

	s.sessions = NewSessionStore(config.SessionTTL, s.now)
	s.sessions.OnChange(telemetry.UpdateActiveSessions)

	s.app = fiber.New(fiber.Config{
		AppName:               "fakefm",
		ErrorHandler:          errorHandler(s.log),
		ReadTimeout:           config.RequestTimeout,
		WriteTimeout:          config.RequestTimeout,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
		Immutable:             true,
	})
	setupMiddleware(s.app, s.log)
	SetupRoutes(s.app, NewHandler(config, s.store, s.sessions, s.log), config.MetricsPath)

	return s, nil
}

// App returns the fiber application, for app.Test in tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Store returns the hosted file
func (s *Server) Store() *Store {
	return s.store
}

// Sessions returns the open sessions
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Listen serves on the configured address until Shutdown
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	go s.sweep()

	s.log.WithFields(logrus.Fields{
		"addr":     ln.Addr().String(),
		"database": s.config.Database,
	}).Info("Fake Data API server listening")

	return s.app.Listener(ln)
}

// Shutdown stops the session sweeper and the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return s.app.ShutdownWithContext(ctx)
}

// sweep drops expired sessions every half TTL
func (s *Server) sweep() {
	ticker := time.NewTicker(s.config.SessionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.sessions.Sweep(); n > 0 {
				s.log.WithField("count", n).Debug("Expired sessions removed")
			}
		case <-s.stop:
			return
		}
	}
}

// Local is a server listening on a random loopback port
type Local struct {
	*Server
	// URL is the server root, e.g. http://127.0.0.1:54321
	URL string
	// BaseURL is URL plus the /fmi/data prefix
	BaseURL string
}

// StartLocal starts a server on 127.0.0.1 with a random port
func StartLocal(config *Config, opts ...Option) (*Local, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.Host = "127.0.0.1"
	config.Port = 0

	srv, err := New(config, opts...)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			srv.log.WithError(err).Warn("Fake Data API server stopped")
		}
	}()

	url := "http://" + ln.Addr().String()
	return &Local{Server: srv, URL: url, BaseURL: url + "/fmi/data"}, nil
}

// Close shuts the server down
func (l *Local) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.ShutdownTimeout)
	defer cancel()
	return l.Shutdown(ctx)
}
