// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level.
type Config struct {
	Development bool
	// Level is a zap level name ("debug", "info", ...). Empty keeps the
	// encoder's default.
	Level string
}

// New builds a zap.Logger and tags every entry with the process mode.
func New(cfg Config, mode string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if mode != "" {
		logger = logger.With(zap.String("mode", mode))
	}
	return logger, nil
}
