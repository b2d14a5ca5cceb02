// Package logging builds the process logger. Components receive a
// *zap.Logger and name themselves with Named.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Level is debug, info, warn or error.
	Level string
	// Format is console for humans or json for collectors.
	Format string
	// Fields are attached to every entry, e.g. the station call.
	Fields map[string]string
}

func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	case "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level > zapcore.DebugLevel

	fields := make([]zap.Field, 0, len(opts.Fields))
	for k, v := range opts.Fields {
		fields = append(fields, zap.String(k, v))
	}
	return cfg.Build(zap.Fields(fields...))
}
