package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/own-boldsbrain/ysh-helio-ai-agents/config"
)

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Option adjusts a logger built by New
type Option func(*options)

type options struct {
	redact func(string) string
}

// WithRedaction masks every message, string field and error field through
// redact before it reaches the encoder.
func WithRedaction(redact func(string) string) Option {
	return func(o *options) {
		o.redact = redact
	}
}

// NewFromConfig builds a logger from the logging section of cfg
func NewFromConfig(cfg *config.Config, opts ...Option) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level, opts...)
}

// New creates a logger for mode ("development" or "production") at level
func New(mode, level string, opts ...Option) (*zap.Logger, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var cfg zap.Config
	switch mode {
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	var buildOpts []zap.Option
	if o.redact != nil {
		buildOpts = append(buildOpts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return NewRedactingCore(c, o.redact)
		}))
	}
	return cfg.Build(buildOpts...)
}
