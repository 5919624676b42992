// Package corelog builds the single *zap.Logger every pipeline component
// takes as a constructor dependency (pipeline/datasource.Context.Log,
// pipeline/cache.HostManager, orchestrator.New, resources.NewManager — see
// SPEC_FULL §A). There is no package-level logger singleton anywhere in this
// module; corelog.New is called once at process startup and the result
// threaded through explicitly as a constructor dependency everywhere it's
// needed, never pulled from a global.
package corelog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger New builds.
type Options struct {
	// Debug enables debug-level output with human-readable console encoding
	// (development mode); otherwise the logger runs at Info level with JSON
	// encoding, suited to a production deployment's log aggregation.
	Debug bool
}

// New constructs a *zap.Logger per opts. The returned logger should be
// Sync'd by the caller before process exit.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and callers that
// have not opted into logging.
func Nop() *zap.Logger { return zap.NewNop() }
