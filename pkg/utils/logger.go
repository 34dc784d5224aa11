package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSugaredLogger creates a sugared logger based on the verbose flag.
// If verbose is true, it creates a development logger at debug level, otherwise a
// JSON production logger with ISO8601 timestamps.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("failed to create development logger: %w", err)
		}
		return l.Sugar(), nil
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Every rejected request logs at debug; sampling keeps bursts of warnings bounded.
	cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create production logger: %w", err)
	}
	return l.Sugar(), nil
}
