// Package main is the entry point for the relay server. It wires the rate
// limiter, channel pool, recovery manager and connection registry behind the
// websocket endpoint and runs until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harborworks/relayserver/internal/auth"
	"github.com/harborworks/relayserver/internal/channel"
	"github.com/harborworks/relayserver/internal/config"
	"github.com/harborworks/relayserver/internal/database"
	"github.com/harborworks/relayserver/internal/metrics"
	"github.com/harborworks/relayserver/internal/ratelimit"
	"github.com/harborworks/relayserver/internal/recovery"
	"github.com/harborworks/relayserver/internal/registry"
	wshandler "github.com/harborworks/relayserver/internal/websocket"
	"github.com/harborworks/relayserver/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		// Sync errors on stdout/stderr are expected for non-syncable
		// file descriptors and can be ignored.
		_ = log.Sync()
	}()

	log.Info("starting relay server",
		zap.String("environment", cfg.Server.Env),
		zap.String("http_port", cfg.Server.HTTPPort),
	)

	db, err := database.NewDB(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if err := runMigrations(db, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxConnectionsPerUser:     cfg.Limits.MaxConnectionsPerUser,
		MaxMessagesPerMinute:      cfg.Limits.MaxMessagesPerMinute,
		MaxTypingUpdatesPerMinute: cfg.Limits.MaxTypingUpdatesPerMinute,
		BurstLimit:                cfg.Limits.BurstLimit,
		BurstWindow:               cfg.Limits.BurstWindow,
	}, log)

	pool := channel.NewPool(channel.Config{
		MaxConnections:           cfg.Pool.MaxConnections,
		MaxChannels:              cfg.Pool.MaxChannels,
		MaxConnectionsPerChannel: cfg.Pool.MaxConnectionsPerChannel,
		MessageBufferSize:        cfg.Pool.MessageBufferSize,
		CleanupInterval:          cfg.Pool.CleanupInterval,
	}, log)

	sessions := recovery.NewManager(recovery.Config{
		HeartbeatInterval:   cfg.Recovery.HeartbeatInterval,
		SessionTimeout:      cfg.Recovery.SessionTimeout,
		MaxMissedHeartbeats: cfg.Recovery.MaxMissedHeartbeats,
		MaxRecoveryAttempts: cfg.Recovery.MaxRecoveryAttempts,
		BufferSize:          cfg.Recovery.BufferSize,
	}, log)

	verifier := auth.NewJWTVerifier(cfg.Auth.TokenSecret, cfg.Auth.Issuer, log)

	reg := registry.New(registry.Config{
		HistoryLimit:  cfg.Registry.HistoryLimit,
		RetryInterval: cfg.Registry.RetryInterval,
		MaxRetries:    cfg.Registry.MaxRetries,
	}, verifier, db, limiter, pool, sessions, log)

	// Background sweeps: idle-channel cleanup and session expiry.
	go pool.Run(ctx)
	go sessions.Run(ctx)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(metrics.NewCollector(reg))

	mux := http.NewServeMux()
	mux.Handle("/ws", wshandler.NewHandler(reg, cfg.Server.AcceptPerSecond, cfg.Server.AcceptBurst, log))
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reg.Status()); err != nil {
			log.Error("failed to encode status", zap.Error(err))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("port", cfg.Server.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatal("HTTP server error", zap.Error(err))
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	log.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	reg.Shutdown()
	cancel()

	log.Info("server shut down successfully")
}

// runMigrations applies pending database migrations at startup.
func runMigrations(db *database.DB, log *zap.Logger) error {
	log.Info("running database migrations")

	// Path is relative to the binary's working directory.
	migrationsPath := "internal/database/migrations"

	if err := db.RunMigrations(migrationsPath); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}
