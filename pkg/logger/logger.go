// Package logger builds the zap loggers used across the relay server.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// NewLogger creates a zap logger with the specified level and format.
// Format "json" uses the production encoder; "console" a colored
// development encoder.
func NewLogger(level, format string) (*zap.Logger, error) {
	zapLevel, ok := levels[level]
	if !ok {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var config zap.Config
	switch format {
	case "json":
		config = zap.NewProductionConfig()
	case "console":
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	config.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}
