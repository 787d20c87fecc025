package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nvoss/callgate/internal/admission"
	"github.com/nvoss/callgate/internal/api"
	"github.com/nvoss/callgate/internal/config"
	"github.com/nvoss/callgate/internal/events"
	"github.com/nvoss/callgate/internal/ledger"
	"github.com/nvoss/callgate/internal/registry"
	"github.com/nvoss/callgate/internal/stats"
	"github.com/nvoss/callgate/internal/store"
)

//Function to initialize the logger
func setupLogger() *slog.Logger {
	var handler slog.Handler

	if os.Getenv("ENV") == "production" {

		// Initialize JSON handler for production environment
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {

		// Initialize Text handler for development environment with better formatting
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: false,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				// Format timestamp to be more readable
				if a.Key == slog.TimeKey {
					t := a.Value.Time()
					return slog.String("time", t.Format(time.DateTime))
				}
				return a
			},
		})
	}

	// Create a new logger with the initialized handler
	return slog.New(handler)
}

// Main entry point of the program
func main() {

	// Setup the logger
	logger := setupLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("callgate starting",
		"port", cfg.Server.Port,
		"redis_enabled", cfg.Redis.Enabled,
		"default_limit", cfg.Admission.DefaultLimit,
		"overflow_action", cfg.Admission.OverflowAction)

	// Connect to Redis when enabled; otherwise everything runs on the
	// in-memory counter (single instance only)
	var redisClient *store.RedisClient
	var counter store.Counter = store.NewMemoryCounter()
	if cfg.Redis.Enabled {
		redisClient, err = store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		counter = store.NewRedisCounter(redisClient)
	}

	// Wire up the admission core
	reg := registry.New(redisClient, registry.GlobalConfig{
		Enabled:        cfg.Admission.Enabled,
		DefaultLimit:   cfg.Admission.DefaultLimit,
		OverflowAction: registry.OverflowAction(cfg.Admission.OverflowAction),
	})
	led := ledger.New(redisClient)
	promRegistry := prometheus.NewRegistry()
	reporter := stats.New(led, promRegistry)
	broadcaster := events.NewBroadcaster()
	controller := admission.New(reg, counter, led, reporter, admission.Config{
		FailOpen: cfg.Admission.FailOpen,
		Timeout:  cfg.Admission.Timeout,
	}).WithEvents(broadcaster)

	// Warm caches and rebuild counters left behind by a previous run
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := reg.LoadAll(startupCtx); err != nil {
		slog.Warn("failed to load user limits", "error", err)
	}
	if err := led.Reconcile(startupCtx, counter); err != nil {
		slog.Warn("failed to reconcile session counters", "error", err)
	}
	cancelStartup()

	handlers := api.NewHandlers(controller, reg, led, reporter, broadcaster, redisClient)
	server := api.NewServer(cfg.Server.Port, handlers, promRegistry)

	// Start the HTTP server in the background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Create a channel to receive shutdown signals
	quit := make(chan os.Signal, 1)

	// Notify the channel for SIGINT and SIGTERM signals
	// Ctrl+C is SIGINT, kill signal is SIGTERM
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Log the service is ready and awaiting shutdown signal
	slog.Info("Service ready", "status", "awaiting shutdown signal")

	select {
	case sig := <-quit:
		// Log the shutdown initiated with the signal
		slog.Info("shutdown initiated", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	// Log the shutdown complete
	slog.Info("shutdown complete")
}
