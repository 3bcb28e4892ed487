// klog.go - structured logging for the kernel.
//
// Adapted from the teacher package's hand-rolled global-logger-with-override
// shape (SetStructuredLogger/getGlobalLogger in logging.go), but backed by
// the real github.com/joeycumines/logiface generic front-end with
// github.com/joeycumines/stumpy as its JSON-writing implementation — both
// are direct dependencies of the teacher package, exercised there only in
// tests. This module promotes them to production use.
package krisos

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout the kernel. It is a
// type alias (not a wrapper interface) because logiface.Logger already
// provides the fluent Builder API this package's call sites want:
//
//	logger.Info().Str("task", name).Int("priority", p).Log("task ready")
type Logger = *logiface.Logger[*stumpy.Event]

// defaultLogger is the package default, built by init(): stumpy writing
// newline-delimited JSON to stderr at informational level. It is assigned
// in init() rather than in a package-level initializer only to keep the
// construction visible in one place.
var defaultLogger Logger

func init() {
	defaultLogger = newStderrLogger()
}

func newStderrLogger() Logger {
	return logiface.New[*stumpy.Event](
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
	)
}

// newDiscardLogger returns a logger with logging disabled entirely, the
// role the teacher package's NoOpLogger plays — the default for
// deterministic, quiet unit tests.
func newDiscardLogger() Logger {
	return logiface.New[*stumpy.Event](
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
	)
}

var (
	globalLoggerMu sync.RWMutex
	globalLogger   Logger
)

// SetStructuredLogger overrides the process-wide default logger used by any
// Kernel constructed without an explicit WithLogger option. Mirrors the
// teacher package's global-logger-override pattern; useful for wiring one
// logger across many Kernel instances in a single process.
func SetStructuredLogger(l Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = l
}

func getGlobalLogger() Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return defaultLogger
}
