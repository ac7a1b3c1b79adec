// Package logging builds the engine's zap logger. Sleep-cycle progress,
// background extraction, and the ingest handler log through this logger;
// the LLM client does no logging of its own.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger for the given environment. "production" uses the
// JSON encoder with sampling to avoid flooding; anything else uses the
// human-readable development encoder at debug level.
func New(environment string) (*zap.Logger, error) {
	var cfg zap.Config

	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

// Component returns a child logger tagged with a component name, the way
// each sleep-cycle phase and pipeline stage is expected to identify itself
// in structured fields.
func Component(logger *zap.Logger, name string) *zap.Logger {
	return logger.With(zap.String("component", name))
}

// Phase returns a child logger tagged with the sleep-cycle phase number and
// title. The sleep cycle itself does not call it; ZapProgress attaches the
// same phase and phase_title fields directly.
func Phase(logger *zap.Logger, number int, title string) *zap.Logger {
	return logger.With(zap.Int("phase", number), zap.String("phase_title", title))
}
