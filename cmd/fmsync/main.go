// fmsync mirrors FileMaker layouts into Postgres. It consumes the record
// change events fmcli publishes to NATS and can resync whole layouts.
//
// Usage:
//
//	fmsync run               consume events until interrupted
//	fmsync snapshot LAYOUT.. copy every record of each layout
//	fmsync replay [N]        move up to N dead-lettered events back
//	fmsync stats             print stream and mirror counts
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/birbparty/fmdapi/internal/cli"
	"github.com/birbparty/fmdapi/internal/config"
	"github.com/birbparty/fmdapi/internal/events"
	"github.com/birbparty/fmdapi/internal/mirror"
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/birbparty/fmdapi/internal/tokencache"
	"github.com/birbparty/fmdapi/internal/worker"
	"github.com/sirupsen/logrus"
)

const usage = "usage: fmsync run | snapshot LAYOUT... | replay [N] | stats"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	cfg, err := config.LoadSync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	telCfg, err := telemetry.NewConfigFromEnv("fmsync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load telemetry configuration: %v\n", err)
		return 1
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

	switch args[0] {
	case "run":
		err = runWorker(ctx, cfg, log)
	case "snapshot":
		if len(args) < 2 {
			err = errors.New(usage)
			break
		}
		err = runSnapshot(ctx, cfg, args[1:], log)
	case "replay":
		limit := 0
		if len(args) > 1 {
			if limit, err = strconv.Atoi(args[1]); err != nil || limit < 0 {
				err = fmt.Errorf("invalid replay count %q", args[1])
				break
			}
		}
		err = runReplay(ctx, cfg, limit, log)
	case "stats":
		err = runStats(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}

	if err != nil {
		log.WithError(err).Error("fmsync failed")
		return 1
	}
	return 0
}

// deps are the connections a command may need; nil members were not
// requested
type deps struct {
	client *dataapi.Client
	tokens *tokencache.Session
	cache  *tokencache.Store
	db     *mirror.DB
	bus    *events.Client
}

func (d *deps) close(ctx context.Context, log logrus.FieldLogger) {
	if d.client != nil {
		if d.tokens != nil {
			if err := d.tokens.Sync(ctx, d.client); err != nil {
				log.WithError(err).Warn("Failed to cache session token")
			}
		}
		_ = d.client.Close()
	}
	if d.cache != nil {
		_ = d.cache.Close()
	}
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func connect(ctx context.Context, cfg *config.Sync, needClient, needDB, needBus bool, log logrus.FieldLogger) (*deps, error) {
	d := &deps{}

	if needBus {
		if !cfg.HasEvents() {
			return nil, errors.New("NATS is not configured, set FM_NATS_URL")
		}
		bus, err := events.Connect(cfg.EventsConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		d.bus = bus
		log.Info("Connected to NATS JetStream")
	}

	if needDB {
		db, err := mirror.NewDB(ctx, cfg.MirrorConfig())
		if err != nil {
			d.close(ctx, log)
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		d.db = db
		if err := db.Migrate(ctx); err != nil {
			d.close(ctx, log)
			return nil, fmt.Errorf("failed to migrate mirror schema: %w", err)
		}
		log.Info("Connected to PostgreSQL")
	}

	if needClient {
		if cfg.Username != "" && cfg.Password == "" {
			d.close(ctx, log)
			return nil, errors.New("FM_PASSWORD is required, fmsync does not prompt")
		}

		var tokens cli.TokenCache
		if cfg.HasTokenCache() {
			store, err := tokencache.New(ctx, cfg.TokenCacheConfig())
			if err != nil {
				log.WithError(err).Warn("Token cache disabled")
			} else {
				d.cache = store
				d.tokens = store.Session(cfg.BaseURL(), cfg.Database, cfg.Username)
				tokens = d.tokens
			}
		}

		client, err := cli.Connect(ctx, &cfg.Client, tokens, os.Stdout, log)
		if err != nil {
			d.close(ctx, log)
			return nil, fmt.Errorf("failed to connect to the Data API: %w", err)
		}
		d.client = client
	}

	return d, nil
}

func runWorker(ctx context.Context, cfg *config.Sync, log logrus.FieldLogger) error {
	d, err := connect(ctx, cfg, true, true, true, log)
	if err != nil {
		return err
	}
	defer d.close(context.Background(), log)

	processor := worker.NewProcessor(cfg.WorkerConfig(), d.client, mirror.NewRecordRepository(d.db), log)

	srv := healthServer(cfg.Worker.MetricsAddr, d, processor)
	go func() {
		log.WithField("addr", cfg.Worker.MetricsAddr).Info("Health server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Health server error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return processor.Run(ctx, d.bus)
}

// healthServer serves /health, /stats and Prometheus /metrics
func healthServer(addr string, d *deps, processor *worker.Processor) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy", "service": "fmsync"}
		code := http.StatusOK
		if err := d.db.Health(r.Context()); err != nil {
			status["status"], status["postgres"] = "unhealthy", err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := d.bus.Health(); err != nil {
			status["status"], status["nats"] = "unhealthy", err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		snap := processor.Stats().Snapshot()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"uptime_seconds":    snap.Uptime.Seconds(),
			"events_processed":  snap.Processed,
			"events_applied":    snap.Applied,
			"events_unchanged":  snap.Unchanged,
			"events_skipped":    snap.Skipped,
			"events_retried":    snap.Retried,
			"events_dead":       snap.DeadLettered,
			"last_processed_at": snap.LastProcessedAt,
		})
	})

	mux.Handle("/metrics", telemetry.PrometheusHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func runSnapshot(ctx context.Context, cfg *config.Sync, layouts []string, log logrus.FieldLogger) error {
	d, err := connect(ctx, cfg, true, true, false, log)
	if err != nil {
		return err
	}
	defer d.close(context.Background(), log)

	processor := worker.NewProcessor(cfg.WorkerConfig(), d.client, mirror.NewRecordRepository(d.db), log)
	for _, layout := range layouts {
		res, err := processor.Snapshot(ctx, layout)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d records, %d written, %d unchanged, %d pruned in %s\n",
			res.Layout, res.Seen, res.Written, res.Unchanged, res.Pruned, res.Duration.Round(time.Millisecond))
	}
	return nil
}

func runReplay(ctx context.Context, cfg *config.Sync, limit int, log logrus.FieldLogger) error {
	d, err := connect(ctx, cfg, false, false, true, log)
	if err != nil {
		return err
	}
	defer d.close(context.Background(), log)

	n, err := d.bus.Replay(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Replayed %d events\n", n)
	return nil
}

func runStats(ctx context.Context, cfg *config.Sync, log logrus.FieldLogger) error {
	d, err := connect(ctx, cfg, false, true, cfg.HasEvents(), log)
	if err != nil {
		return err
	}
	defer d.close(context.Background(), log)

	if d.bus != nil {
		stats, err := d.bus.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("Stream: %d events, %d dead-lettered\n", stats.Events, stats.DeadLetters)
		if !stats.Oldest.IsZero() {
			fmt.Printf("Oldest event: %s\n", stats.Oldest.Format(time.RFC3339))
		}
	}

	repo := mirror.NewRecordRepository(d.db)
	rows, err := repo.Layouts(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("Mirror is empty")
	}
	for _, row := range rows {
		fmt.Printf("%s: %d records, last synced %s\n", row.Layout, row.Count, row.LastSynced.Format(time.RFC3339))
	}
	return nil
}
