// Package logging provides structured logging setup for the esphome-homekit application.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Name is the root logger name.
const Name = "esphome-homekit"

// New creates the process logger. Level is one of debug, info, warn or
// error (any case); format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}

	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger.Named(Name), nil
}

// parseLevel accepts the four levels the service logs at.
func parseLevel(level string) (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil || lvl < zapcore.DebugLevel || lvl > zapcore.ErrorLevel {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
	return lvl, nil
}

// Dedup logs each distinct error message once at error level. Repeats are
// logged at debug level until Reset is called.
type Dedup struct {
	logger *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedup creates a Dedup writing to logger.
func NewDedup(logger *zap.Logger) *Dedup {
	return &Dedup{
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Error logs err unless the same message was already logged. It reports
// whether the error was logged at error level.
func (d *Dedup) Error(msg string, err error, fields ...zap.Field) bool {
	if err == nil {
		return false
	}

	key := msg + ": " + err.Error()
	fields = append(fields, zap.Error(err))

	d.mu.Lock()
	_, dup := d.seen[key]
	if !dup {
		d.seen[key] = struct{}{}
	}
	d.mu.Unlock()

	if dup {
		d.logger.Debug(msg, fields...)
		return false
	}
	d.logger.Error(msg, fields...)
	return true
}

// Reset forgets every logged message, typically after a reconnect.
func (d *Dedup) Reset() {
	d.mu.Lock()
	clear(d.seen)
	d.mu.Unlock()
}
