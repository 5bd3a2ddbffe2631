// Package logging provides the single structured logger every EchoDB
// component logs through, following cockroachdb/cockroach's util/log
// convention of one process-wide logger rather than one per package.
package logging

import "go.uber.org/zap"

// New returns a production zap.SugaredLogger, JSON-encoded, with the
// given component name attached to every entry.
func New(component string) *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar().With("component", component)
}

// Nop returns a logger that discards everything, for tests that don't
// want log noise but still need a non-nil *zap.SugaredLogger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
