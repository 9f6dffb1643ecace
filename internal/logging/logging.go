// Package logging builds the zap loggers used across distmesh.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Level is a zap level name: debug, info, warn, error.
	Level       string
	Development bool
}

// New returns a logger and the atomic level controlling it.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, level, fmt.Errorf("logging: %w", err)
		}
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, level, err
	}
	return logger.Named("distmesh"), level, nil
}
