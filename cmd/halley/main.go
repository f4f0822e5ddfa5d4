// Halley is a Bayeux publish/subscribe server over HTTP long-polling.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/cometwire/halley/pkg/broker"
	"github.com/cometwire/halley/pkg/config"
	"github.com/cometwire/halley/pkg/extensions/ack"
	"github.com/cometwire/halley/pkg/metrics"
	"github.com/cometwire/halley/pkg/transport"
	"github.com/cometwire/halley/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("HALLEY_CONFIG", ""),
		"Path to the YAML configuration file (empty for defaults)")
	addr := flag.String("addr",
		getEnv("HALLEY_ADDR", ":8080"),
		"Listen address")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting halley",
		"version", version.Full(),
		"addr", *addr,
		"config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := broker.New(cfg, logger)
	b.AddExtension(ack.New())
	if err := b.Start(ctx); err != nil {
		logger.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	m := metrics.New(b)
	defer m.Close()

	t := transport.New(b, cfg, logger)
	router := newRouter(b, t, m, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", *addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
