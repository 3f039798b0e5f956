// Package observability builds the process loggers.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

// CLILogger is the logger of the running command. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// LoggerConfig selects level and encoding.
type LoggerConfig struct {
	Service string
	Level   string
	Profile string
	Verbose bool
}

// NewLogger builds a logger. The structured profile emits JSON; the console
// profile emits human-readable lines. Verbose forces debug.
func NewLogger(cfg LoggerConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.Verbose {
		level = zapcore.DebugLevel
	}

	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileStructured:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log profile %q (want %s or %s)", cfg.Profile, ProfileStructured, ProfileConsole)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if cfg.Service != "" {
		logger = logger.With(zap.String("service", cfg.Service))
	}
	return logger, nil
}

// InitCLILogger replaces CLILogger. Invalid settings fall back to info-level
// structured output so a command can still report the problem.
func InitCLILogger(cfg LoggerConfig) *zap.Logger {
	logger, err := NewLogger(cfg)
	if err != nil {
		logger, _ = NewLogger(LoggerConfig{Service: cfg.Service, Verbose: cfg.Verbose})
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("Invalid logging configuration", zap.Error(err))
	}
	CLILogger = logger
	return logger
}
