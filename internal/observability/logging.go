// Package observability provides logging utilities for the jigsaw server.
package observability

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/jigsaw/internal/config"
)

// ServiceName is attached to every log entry produced by NewLogger.
const ServiceName = "jigsaw"

// NewLogger creates a structured logger from the given logging configuration.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]interface{}{"service": ServiceName}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// ConnLogger derives a per-connection logger tagged with a fresh connection id.
//
// Precondition: base must be non-nil.
// Postcondition: Returns the child logger and the id it carries.
func ConnLogger(base *zap.Logger, transport, remoteAddr string) (*zap.Logger, string) {
	id := uuid.NewString()
	return base.With(
		zap.String("conn_id", id),
		zap.String("transport", transport),
		zap.String("remote_addr", remoteAddr),
	), id
}
