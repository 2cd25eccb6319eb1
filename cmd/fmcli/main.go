package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/birbparty/fmdapi/internal/cli"
	"github.com/birbparty/fmdapi/internal/config"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/storage"
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/birbparty/fmdapi/internal/tokencache"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	telCfg, err := telemetry.NewConfigFromEnv("fmcli")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load telemetry configuration: %v\n", err)
		return 1
	}
	// people read fmcli logs on a terminal
	if os.Getenv("LOG_FORMAT") == "" {
		telCfg.LogFormat = telemetry.FormatText
	}
	if err := telemetry.Init(telCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize telemetry: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx, telCfg)
	}()
	log := telemetry.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tokens cli.TokenCache
	if cfg.HasTokenCache() {
		if store := openTokenCache(ctx, cfg, log); store != nil {
			defer store.Close()
			tokens = store.Session(cfg.BaseURL(), cfg.Database, cfg.Username)
		}
	}

	client, err := cli.Connect(ctx, cfg, tokens, os.Stdout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		return 1
	}

	opts := cli.Options{
		Client:   client,
		Tokens:   tokens,
		Database: cfg.Database,
		Layout:   cfg.Layout,
		Username: cfg.Username,
		Log:      log,
	}
	if cfg.HasEvents() {
		bus, err := events.Connect(cfg.EventsConfig(), log)
		if err != nil {
			// writes still work without announcements
			log.WithError(err).Warn("Record events disabled")
		} else {
			defer bus.Close()
			opts.Events = bus
		}
	}
	if cfg.HasStorage() {
		store, err := storage.New(cfg.StorageConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to configure storage: %v\n", err)
			return 1
		}
		opts.Store = store
	}

	app := cli.NewApp(opts)
	defer app.Close()

	if err := app.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// openTokenCache connects to Redis, or returns nil when it is unreachable
// so the shell falls back to a plain login
func openTokenCache(ctx context.Context, cfg *config.Client, log logrus.FieldLogger) *tokencache.Store {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := tokencache.New(ctx, cfg.TokenCacheConfig())
	if err != nil {
		log.WithError(err).Warn("Token cache disabled")
		return nil
	}
	return store
}
