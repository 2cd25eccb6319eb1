package dataapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is one logical session against a Data API server.
//
// A Client starts anonymous. Login or LoginOAuth authenticates it, after
// which every record, script and metadata call carries the session token.
// A token idle for longer than TokenRefreshThreshold is replaced by
// replaying the last successful login before the call goes out.
//
// Token state is guarded by a mutex, but a login-then-call sequence is not
// atomic: goroutines sharing a Client must serialize their calls.
//
// Example:
//
//	config := dataapi.DefaultConfig().
//	    WithBaseURL("https://fms.example.com/fmi/data").
//	    WithDatabase("Contacts").
//	    WithCredentials("admin", "secret")
//
//	client, err := dataapi.New(ctx, config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	defer client.Logout(ctx)
//
//	result, err := client.FindRecords(ctx, "People", []dataapi.QueryGroup{
//	    {Fields: []dataapi.QueryField{{FieldName: "City", FieldValue: "Paris"}}},
//	})
type Client struct {
	config    *Config
	transport Transport
	tokens    *TokenManager
	database  string
	observer  Observer
	log       logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

// New creates a client from config. When Token is set the session is
// resumed without a server call. Otherwise, when both Username and Password
// are set, New logs in before returning and fails if the login fails.
//
// Example:
//
//	client, err := dataapi.New(ctx, dataapi.DefaultConfig().WithDatabase("Contacts"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Login(ctx, "admin", "secret"); err != nil {
//	    log.Fatal(err)
//	}
func New(ctx context.Context, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	transport := config.Transport
	if transport == nil {
		var err error
		transport, err = NewTransport(config.TransportType, config)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	c := &Client{
		config:    config,
		transport: transport,
		database:  URLEncodeSegment(config.Database),
		observer:  config.Observer,
		log:       config.Logger.WithField("database", config.Database),
	}
	c.tokens = NewTokenManager(c.reauthenticate)

	hasCreds := config.Username != "" && config.Password != ""
	switch {
	case config.Token != "":
		if err := c.tokens.SetToken(config.Token, config.TokenIssuedAt); err != nil {
			_ = transport.Close()
			return nil, err
		}
		if hasCreds {
			_ = c.tokens.StoreCredentials(config.Username, config.Password)
		}
		c.log.Debug("Resumed session")
	case hasCreds:
		if err := c.Login(ctx, config.Username, config.Password); err != nil {
			_ = transport.Close()
			return nil, err
		}
	}

	return c, nil
}

// Login opens a session with a username and password. On success the
// token and the credentials are stored for later refreshes.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", ErrEmptyCredentials)
	}

	creds := Credentials{Kind: CredentialsBasic, Username: username, Password: password}
	token, err := c.openSession(ctx, creds)
	if err != nil {
		return err
	}
	if err := c.tokens.SetToken(token); err != nil {
		return err
	}
	if err := c.tokens.StoreCredentials(username, password); err != nil {
		return err
	}

	c.log.WithField("user", username).Debug("Logged in")
	return nil
}

// LoginOAuth opens a session with OAuth identifiers obtained from the
// server's OAuth flow.
func (c *Client) LoginOAuth(ctx context.Context, requestID, identifier string) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if requestID == "" || identifier == "" {
		return fmt.Errorf("%w: OAuth request id and identifier are required", ErrEmptyCredentials)
	}

	creds := Credentials{Kind: CredentialsOAuth, RequestID: requestID, Identifier: identifier}
	token, err := c.openSession(ctx, creds)
	if err != nil {
		return err
	}
	if err := c.tokens.SetToken(token); err != nil {
		return err
	}
	if err := c.tokens.StoreOAuth(requestID, identifier); err != nil {
		return err
	}

	c.log.Debug("Logged in with OAuth")
	return nil
}

// openSession performs the login request and returns the new token.
// It does not touch the token manager.
func (c *Client) openSession(ctx context.Context, creds Credentials) (string, error) {
	req := &Request{
		Method:  http.MethodPost,
		Path:    c.databasePath("/sessions"),
		Headers: make(map[string]string),
		JSON:    map[string]interface{}{},
	}

	switch creds.Kind {
	case CredentialsBasic:
		req.Headers["Authorization"] = "Basic " + basicAuth(creds.Username, creds.Password)
	case CredentialsOAuth:
		req.Headers["X-FM-Data-Login-Type"] = "oauth"
		req.Headers["X-FM-Data-OAuth-Request-Id"] = creds.RequestID
		req.Headers["X-FM-Data-OAuth-Identifier"] = creds.Identifier
	default:
		return "", ErrNoCredentials
	}

	resp, err := c.send(ctx, "Login", req)
	if err != nil {
		return "", err
	}

	token := resp.Token()
	if token == "" {
		return "", &ProtocolError{Reason: "login response carried no token"}
	}
	return token, nil
}

// reauthenticate is the TokenManager's refresh hook.
func (c *Client) reauthenticate(ctx context.Context, creds Credentials) (string, error) {
	token, err := c.openSession(ctx, creds)
	c.observer.OnTokenRefresh(ctx, err)
	if err != nil {
		c.log.WithError(err).Warn("Token refresh failed")
		return "", err
	}
	c.log.WithField("kind", creds.Kind.String()).Debug("Token refreshed")
	return token, nil
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// Logout closes the server session. Without a token it does nothing.
// Local state is only cleared once the server confirmed the logout; what
// is cleared follows Config.LogoutPolicy.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if !c.tokens.HasToken() {
		return nil
	}

	req := &Request{
		Method: http.MethodDelete,
		Path:   c.databasePath("/sessions/" + URLEncodeSegment(c.tokens.Token())),
	}
	if _, err := c.send(ctx, "Logout", req); err != nil {
		return err
	}

	c.tokens.Clear(c.config.LogoutPolicy == LogoutKeepCredentials)
	c.log.WithField("policy", c.config.LogoutPolicy.String()).Debug("Logged out")
	return nil
}

// ValidateSession asks the server whether the current token is still
// accepted. A rejected token (code 952) is reported as false with a nil
// error; other failures are returned.
func (c *Client) ValidateSession(ctx context.Context) (bool, error) {
	req := &Request{
		Method: http.MethodGet,
		Path:   c.versionPath("/validateSession"),
	}
	_, err := c.sendAuthed(ctx, "ValidateSession", req)
	if err != nil {
		if IsTokenExpired(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Token returns the session token, or "" when anonymous
func (c *Client) Token() string {
	return c.tokens.Token()
}

// TokenIssuedAt returns when the token was issued or last used
func (c *Client) TokenIssuedAt() (time.Time, bool) {
	return c.tokens.IssuedAt()
}

// HasToken reports whether the client holds a token
func (c *Client) HasToken() bool {
	return c.tokens.HasToken()
}

// IsTokenExpired reports whether the next call will refresh the token first
func (c *Client) IsTokenExpired() bool {
	return c.tokens.IsExpired()
}

// SetToken installs a token obtained elsewhere, e.g. from a previous
// process. Without issuedAt the token counts as issued now.
func (c *Client) SetToken(token string, issuedAt ...time.Time) error {
	return c.tokens.SetToken(token, issuedAt...)
}

// RefreshToken replays the stored login now, regardless of token age.
func (c *Client) RefreshToken(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	return c.tokens.Refresh(ctx)
}

// Close releases the transport. It does not log out; call Logout first to
// free the server session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.transport.Close()
}

// checkClosed checks if the client is closed
func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// sendAuthed attaches the bearer header and sends req. When no header can
// be produced the request is never sent.
func (c *Client) sendAuthed(ctx context.Context, op string, req *Request) (*Response, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	header, err := c.tokens.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["Authorization"] = header

	return c.send(ctx, op, req)
}

// send runs one request through the transport and the normalizer,
// reporting it to the observer. The Response is returned alongside an
// APIError so callers can inspect the reply.
func (c *Client) send(ctx context.Context, op string, req *Request) (*Response, error) {
	info := RequestInfo{Operation: op, Method: req.Method, Path: req.Path}
	ctx = c.observer.OnRequestStart(ctx, info)

	start := time.Now()
	resp, err := c.roundTrip(ctx, req)
	duration := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.observer.OnRequestEnd(ctx, info, status, duration, err)

	entry := c.log.WithFields(logrus.Fields{
		"operation":   op,
		"method":      req.Method,
		"path":        req.Path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Debug("Data API request failed")
	} else {
		entry.Debug("Data API request completed")
	}

	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	raw, err := c.transport.Send(ctx, req)
	if err != nil {
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			err = &NetworkError{Op: req.Method + " " + req.Path, Err: err}
		}
		return nil, err
	}

	resp, err := ParseResponse(raw.Header, raw.Body)
	if err != nil {
		return nil, err
	}
	return resp, CheckResponse(resp)
}

// versionPath prefixes p with the API version segment.
func (c *Client) versionPath(p string) string {
	return "/" + c.config.APIVersion.String() + p
}

// databasePath returns /<version>/databases/<database><p>.
func (c *Client) databasePath(p string) string {
	return c.versionPath("/databases/" + c.database + p)
}

// layoutPath returns the path of a layout resource.
func (c *Client) layoutPath(layout, p string) string {
	return c.databasePath("/layouts/" + URLEncodeSegment(layout) + p)
}
