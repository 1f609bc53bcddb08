// Package log provides the module's structured logger: a thin
// go.uber.org/zap wrapper so every package constructs loggers the same
// way instead of reaching for the stdlib log package the teacher's
// internal/gossip.go used via log.Printf. zap was already pulled in
// transitively by the teacher's dependency graph; this promotes it to a
// direct, deliberately used dependency instead of leaving it implicit.
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var global atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	global.Store(l)
}

// New builds a logger: development mode (human-readable, debug-level) or
// production mode (JSON, info-level), matching the teacher's own
// production/development split.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// SetGlobal installs l as the logger returned by L.
func SetGlobal(l *zap.Logger) {
	global.Store(l)
}

// L returns the current global logger for leaf packages that are not
// constructed with one explicitly (e.g. package-level helpers).
func L() *zap.Logger {
	return global.Load()
}

// Named returns a child of the global logger with the given scope name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
