package database

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/harborworks/relayserver/internal/config"
)

// setupTestDB creates a PostgreSQL TestContainer for database package tests
// and applies migrations.
func setupTestDB(ctx context.Context) (*DB, func(), error) {
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("relaytest"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container port: %w", err)
	}

	cfg := &config.DatabaseConfig{
		Host:         host,
		Port:         port.Port(),
		User:         "testuser",
		Password:     "testpass",
		Name:         "relaytest",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	logger := zap.NewNop()
	db, err := NewDB(cfg, logger)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	if err := db.RunMigrations("migrations"); err != nil {
		_ = db.Close()
		_ = pgContainer.Terminate(ctx)
		return nil, nil, fmt.Errorf("failed to migrate test database: %w", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return db, cleanup, nil
}
