// Package cli implements fmcli, an interactive and one-shot command shell
// over a Data API session.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/config"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/storage"
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownCommand is returned for commands the shell does not know
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when a command gets the wrong arguments
	ErrUsage = errors.New("usage")
	// ErrNoLayout is returned by layout commands before a layout is chosen
	ErrNoLayout = errors.New("no layout selected, use: layout <name>")
	// ErrNoStorage is returned by commands that need object storage
	ErrNoStorage = errors.New("object storage is not configured, set FM_S3_BUCKET")
)

// ObjectStore is the object storage used for container sources and exports
type ObjectStore interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, string, error)
	UploadExport(ctx context.Context, layout string, data io.Reader) (string, error)
	ListExports(ctx context.Context, date time.Time) ([]storage.Object, error)
	Delete(ctx context.Context, key string) error
}

// TokenCache shares the session token with other runs
type TokenCache interface {
	Resume(ctx context.Context, config *dataapi.Config) (bool, error)
	Sync(ctx context.Context, client *dataapi.Client) error
}

// Publisher announces record changes made through the shell
type Publisher interface {
	Publish(ctx context.Context, evt *events.RecordEvent) error
}

// Options configures an App
type Options struct {
	Client *dataapi.Client
	// Store is optional; upload from s3:// and export need it
	Store ObjectStore
	// Tokens is optional; when set the token is written back after every
	// command
	Tokens TokenCache
	// Events is optional; when set every successful write is announced
	Events   Publisher
	Database string
	Layout   string
	Username string
	In       io.Reader
	Out      io.Writer
	Log      logrus.FieldLogger
}

// App runs shell commands against one client
type App struct {
	client   *dataapi.Client
	store    ObjectStore
	tokens   TokenCache
	events   Publisher
	database string
	layout   string
	username string
	reader   *bufio.Reader
	out      io.Writer
	log      logrus.FieldLogger
}

// NewApp creates an App. Nil In and Out default to stdin and stdout.
func NewApp(opts Options) *App {
	in, out, log := opts.In, opts.Out, opts.Log
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if log == nil {
		log = telemetry.L()
	}
	return &App{
		client:   opts.Client,
		store:    opts.Store,
		tokens:   opts.Tokens,
		events:   opts.Events,
		database: opts.Database,
		layout:   opts.Layout,
		username: opts.Username,
		reader:   bufio.NewReader(in),
		out:      out,
		log:      log,
	}
}

// Connect builds a client from cfg. A username without a password prompts
// for the password on the terminal. Every request carries an
// X-Correlation-ID unique to this run.
//
// With a token cache the cached session is resumed when the server still
// accepts it; otherwise the client logs in as usual. Cache failures are
// logged and never stop the connection.
func Connect(ctx context.Context, cfg *config.Client, tokens TokenCache, out io.Writer, log logrus.FieldLogger) (*dataapi.Client, error) {
	if cfg.Username != "" && cfg.Password == "" {
		pw, err := GetPassword(out)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		cfg.Password = string(pw)
	}

	apiConfig, err := cfg.DataAPI()
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	log = log.WithField("correlation_id", correlationID)
	apiConfig.
		WithHeader("X-Correlation-ID", correlationID).
		WithLogger(log).
		WithObserver(telemetry.NewObserver(telemetry.WithObserverLogger(log)))

	resumed := false
	if tokens != nil {
		if resumed, err = tokens.Resume(ctx, apiConfig); err != nil {
			log.WithError(err).Warn("Token cache unavailable")
		}
	}

	client, err := dataapi.New(ctx, apiConfig)
	if err != nil {
		return nil, err
	}

	if resumed {
		if valid, err := client.ValidateSession(ctx); err != nil || !valid {
			log.WithError(err).Info("Cached session rejected, starting a new one")
			_ = client.Close()
			apiConfig.WithToken("", time.Time{})
			if client, err = dataapi.New(ctx, apiConfig); err != nil {
				return nil, err
			}
		} else {
			log.Debug("Resumed cached session")
		}
	}

	if tokens != nil {
		if err := tokens.Sync(ctx, client); err != nil {
			log.WithError(err).Warn("Failed to cache session token")
		}
	}
	return client, nil
}

// Run executes args as one command, or starts the REPL when args is empty
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return a.Execute(ctx, joinArgs(args))
	}
	runREPL(ctx, a, a.reader, a.out)
	return nil
}

// Status describes the session for the prompt
func (a *App) Status() string {
	state := "logged out"
	if a.client.HasToken() {
		state = "logged in"
		if a.username != "" {
			state = a.username
		}
	}
	if a.layout != "" {
		return state + " @ " + a.layout
	}
	return state
}

// Close releases the client. The session stays open on the server until
// it expires; use the logout command to end it.
func (a *App) Close() error {
	return a.client.Close()
}

// Execute runs one command line
func (a *App) Execute(ctx context.Context, line string) error {
	args, err := splitArgs(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}

	name := strings.ToLower(args[0])
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if len(args)-1 < cmd.minArgs {
		return fmt.Errorf("%w: %s %s", ErrUsage, name, cmd.usage)
	}
	if cmd.needsLayout && a.layout == "" {
		return ErrNoLayout
	}

	ctx, done := telemetry.TimeOperation(ctx, name)
	err = cmd.run(a, ctx, args[1:])
	done(err)
	if err != nil {
		a.log.WithError(err).WithField("command", name).Debug("Command failed")
	}
	a.syncToken(ctx)
	return err
}

// syncToken writes the current token to the cache, if there is one
func (a *App) syncToken(ctx context.Context) {
	if a.tokens == nil {
		return
	}
	if err := a.tokens.Sync(ctx, a.client); err != nil {
		a.log.WithError(err).Warn("Failed to cache session token")
	}
}

// announce publishes a change event. The write already succeeded, so a
// failed publish is only logged.
func (a *App) announce(ctx context.Context, t events.EventType, recordID, modID string) {
	if a.events == nil {
		return
	}
	evt := events.NewRecordEvent(t, a.database, a.layout, recordID, modID)
	evt.Source = "fmcli"
	if err := a.events.Publish(ctx, evt); err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"type":      t,
			"record_id": recordID,
		}).Warn("Failed to publish record event")
	}
}

// joinArgs rebuilds a command line from os.Args, quoting arguments that
// contain spaces
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			arg = `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
