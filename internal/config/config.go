// Package config provides application configuration management using environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay server
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Limits   LimitsConfig
	Pool     PoolConfig
	Recovery RecoveryConfig
	Registry RegistryConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPPort        string
	Host            string
	Env             string
	AcceptPerSecond float64
	AcceptBurst     int
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// AuthConfig holds token verification configuration
type AuthConfig struct {
	TokenSecret []byte
	Issuer      string
}

// LimitsConfig holds per-user rate limits
type LimitsConfig struct {
	MaxConnectionsPerUser     int
	MaxMessagesPerMinute      int
	MaxTypingUpdatesPerMinute int
	BurstLimit                int
	BurstWindow               time.Duration
}

// PoolConfig holds channel pool capacity caps
type PoolConfig struct {
	MaxConnections           int
	MaxChannels              int
	MaxConnectionsPerChannel int
	MessageBufferSize        int
	CleanupInterval          time.Duration
}

// RecoveryConfig holds session recovery parameters
type RecoveryConfig struct {
	HeartbeatInterval   time.Duration
	SessionTimeout      time.Duration
	MaxMissedHeartbeats int
	MaxRecoveryAttempts int
	BufferSize          int
}

// RegistryConfig holds orchestrator parameters
type RegistryConfig struct {
	HistoryLimit  int
	RetryInterval time.Duration
	MaxRetries    int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables.
// It optionally loads from a .env file if it exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		Host:            getEnv("SERVER_HOST", "localhost"),
		Env:             getEnv("ENVIRONMENT", "development"),
		AcceptPerSecond: getEnvFloat("ACCEPT_RATE_PER_SECOND", 50),
		AcceptBurst:     getEnvInt("ACCEPT_BURST", 100),
	}

	cfg.Database = DatabaseConfig{
		Host:         getEnv("DB_HOST", "localhost"),
		Port:         getEnv("DB_PORT", "5432"),
		User:         getEnv("DB_USER", "relay"),
		Password:     getEnv("DB_PASSWORD", ""),
		Name:         getEnv("DB_NAME", "relay_db"),
		SSLMode:      getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
	}

	cfg.Auth = AuthConfig{
		TokenSecret: []byte(getEnv("TOKEN_SECRET", "")),
		Issuer:      getEnv("TOKEN_ISSUER", "relayserver"),
	}

	cfg.Limits = LimitsConfig{
		MaxConnectionsPerUser:     getEnvInt("MAX_CONNECTIONS_PER_USER", 5),
		MaxMessagesPerMinute:      getEnvInt("MAX_MESSAGES_PER_MINUTE", 60),
		MaxTypingUpdatesPerMinute: getEnvInt("MAX_TYPING_UPDATES_PER_MINUTE", 30),
		BurstLimit:                getEnvInt("BURST_LIMIT", 10),
		BurstWindow:               getEnvSeconds("BURST_WINDOW_SECONDS", 10),
	}

	cfg.Pool = PoolConfig{
		MaxConnections:           getEnvInt("POOL_MAX_CONNECTIONS", 10000),
		MaxChannels:              getEnvInt("POOL_MAX_CHANNELS", 500),
		MaxConnectionsPerChannel: getEnvInt("POOL_MAX_CONNECTIONS_PER_CHANNEL", 100),
		MessageBufferSize:        getEnvInt("POOL_MESSAGE_BUFFER_SIZE", 100),
		CleanupInterval:          getEnvSeconds("POOL_CLEANUP_INTERVAL_SECONDS", 1800),
	}

	cfg.Recovery = RecoveryConfig{
		HeartbeatInterval:   getEnvSeconds("HEARTBEAT_INTERVAL_SECONDS", 30),
		SessionTimeout:      getEnvSeconds("SESSION_TIMEOUT_SECONDS", 300),
		MaxMissedHeartbeats: getEnvInt("MAX_MISSED_HEARTBEATS", 3),
		MaxRecoveryAttempts: getEnvInt("MAX_RECOVERY_ATTEMPTS", 3),
		BufferSize:          getEnvInt("RECOVERY_BUFFER_SIZE", 100),
	}

	cfg.Registry = RegistryConfig{
		HistoryLimit:  getEnvInt("HISTORY_LIMIT", 50),
		RetryInterval: getEnvSeconds("RETRY_INTERVAL_SECONDS", 5),
		MaxRetries:    getEnvInt("MAX_RETRIES", 3),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}

	if c.Limits.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_USER must be positive")
	}
	if c.Limits.BurstLimit <= 0 || c.Limits.BurstWindow <= 0 {
		return fmt.Errorf("burst limit and window must be positive")
	}
	if c.Limits.BurstWindow >= time.Minute {
		return fmt.Errorf("BURST_WINDOW_SECONDS must be shorter than the per-minute window")
	}

	if c.Pool.MaxConnections <= 0 || c.Pool.MaxChannels <= 0 || c.Pool.MaxConnectionsPerChannel <= 0 {
		return fmt.Errorf("pool capacity caps must be positive")
	}
	if c.Pool.MessageBufferSize <= 0 {
		return fmt.Errorf("POOL_MESSAGE_BUFFER_SIZE must be positive")
	}

	if c.Recovery.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.Recovery.SessionTimeout <= c.Recovery.HeartbeatInterval {
		return fmt.Errorf("SESSION_TIMEOUT_SECONDS must exceed the heartbeat interval")
	}
	if c.Recovery.MaxRecoveryAttempts <= 0 || c.Recovery.BufferSize <= 0 {
		return fmt.Errorf("recovery attempts and buffer size must be positive")
	}

	if c.Registry.RetryInterval <= 0 || c.Registry.MaxRetries <= 0 {
		return fmt.Errorf("retry interval and max retries must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}

	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// getEnv retrieves an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}
