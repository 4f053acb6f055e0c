// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	level  *zapcore.Level
	output []string
	fields []zap.Field
}

// Option adjusts the logger New builds.
type Option func(*options)

// WithLevel overrides the minimum enabled level.
func WithLevel(level zapcore.Level) Option {
	return func(o *options) { o.level = &level }
}

// WithOutput replaces the output paths ("stderr", "stdout" or file paths). Worker processes use
// it to keep stdout free for the task protocol.
func WithOutput(paths ...string) Option {
	return func(o *options) { o.output = paths }
}

// WithFields attaches fields to every entry.
func WithFields(fields ...zap.Field) Option {
	return func(o *options) { o.fields = append(o.fields, fields...) }
}

// New builds a zap.Logger configured for development or production.
func New(development bool, opts ...Option) (*zap.Logger, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
	}
	cfg.EncoderConfig.TimeKey = "ts"
	if o.level != nil {
		cfg.Level = zap.NewAtomicLevelAt(*o.level)
	}
	if len(o.output) > 0 {
		cfg.OutputPaths = o.output
		cfg.ErrorOutputPaths = o.output
	}

	logger, err := cfg.Build()
	if err != nil {
		if development {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	if len(o.fields) > 0 {
		logger = logger.With(o.fields...)
	}
	return logger, nil
}
