package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/birbparty/fmdapi/internal/config"
	"github.com/birbparty/fmdapi/internal/fakeserver"
	"github.com/birbparty/fmdapi/internal/telemetry"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	telCfg, err := telemetry.NewConfigFromEnv("fakefm")
	if err != nil {
		logrus.Fatalf("Failed to load telemetry configuration: %v", err)
	}
	if err := telemetry.Init(telCfg); err != nil {
		logrus.Fatalf("Failed to initialize telemetry: %v", err)
	}
	log := telemetry.L()

	srv, err := fakeserver.New(cfg.FakeServer(), fakeserver.WithLogger(log))
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Server forced to shutdown")
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":     cfg.FakeServer().Addr(),
		"database": cfg.Database,
		"seeded":   cfg.Seed,
	}).Info("fakefm listening")

	if err := srv.Listen(); err != nil {
		log.WithError(err).Error("Server stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = telemetry.Shutdown(ctx, telCfg)
}
