package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum environment for Load to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_USER", "relay")
	t.Setenv("DB_NAME", "relay_db")
	t.Setenv("TOKEN_SECRET", strings.Repeat("s", 32))
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %q, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Limits.MaxConnectionsPerUser != 5 {
		t.Errorf("MaxConnectionsPerUser = %d, want 5", cfg.Limits.MaxConnectionsPerUser)
	}
	if cfg.Limits.BurstWindow != 10*time.Second {
		t.Errorf("BurstWindow = %v, want 10s", cfg.Limits.BurstWindow)
	}
	if cfg.Recovery.SessionTimeout != 5*time.Minute {
		t.Errorf("SessionTimeout = %v, want 5m", cfg.Recovery.SessionTimeout)
	}
	if cfg.Pool.MaxChannels != 500 {
		t.Errorf("MaxChannels = %d, want 500", cfg.Pool.MaxChannels)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MAX_MESSAGES_PER_MINUTE", "120")
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "15")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Limits.MaxMessagesPerMinute != 120 {
		t.Errorf("MaxMessagesPerMinute = %d, want 120", cfg.Limits.MaxMessagesPerMinute)
	}
	if cfg.Recovery.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.Recovery.HeartbeatInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("DB_USER", "relay")
	t.Setenv("DB_NAME", "relay_db")
	t.Setenv("TOKEN_SECRET", "short")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with short TOKEN_SECRET, want error")
	}
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BURST_LIMIT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Limits.BurstLimit != 10 {
		t.Errorf("BurstLimit = %d, want default 10", cfg.Limits.BurstLimit)
	}
}

func TestValidate_SessionTimeoutVsHeartbeat(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SESSION_TIMEOUT_SECONDS", "10")
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "30")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with session timeout below heartbeat interval")
	}
}

func TestValidate_BadLogFormat(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOG_FORMAT", "xml")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded with invalid LOG_FORMAT")
	}
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db", Port: "5432", User: "u", Password: "p", Name: "relay", SSLMode: "disable",
	}
	want := "host=db port=5432 user=u password=p dbname=relay sslmode=disable"
	if got := c.GetDSN(); got != want {
		t.Errorf("GetDSN() = %q, want %q", got, want)
	}
}
