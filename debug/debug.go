// debug.go - Cold-path diagnostics
// ============================================================================
// PROCESS-WIDE LOGGER
// ============================================================================
//
// DropError and DropMessage are the one-line reporting helpers used on
// startup, shutdown and error paths. Both write through a process-wide zap
// logger so every component shares one sink and one level.
//
// Components that log on their own take a *zap.Logger by injection; Logger()
// hands out the process-wide one. Nothing on a per-tick path calls into this
// package.

package debug

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var global atomic.Pointer[zap.Logger]

func init() {
	global.Store(zap.NewNop())
}

// Init builds the process-wide logger. level is a zap level name
// ("debug", "info", "warn", "error"); development switches to the
// human-readable console encoder.
func Init(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("debug: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("debug: build logger: %w", err)
	}
	global.Store(log)
	return log, nil
}

// SetLogger replaces the process-wide logger.
func SetLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	global.Store(log)
}

// Logger returns the process-wide logger. It is a no-op logger until Init
// or SetLogger runs.
func Logger() *zap.Logger {
	return global.Load()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = global.Load().Sync()
}

// DropError reports err under prefix. A nil err logs the prefix alone at
// info level.
func DropError(prefix string, err error) {
	if err != nil {
		global.Load().Error(prefix, zap.Error(err))
		return
	}
	global.Load().Info(prefix)
}

// DropMessage reports a warning under prefix.
func DropMessage(prefix, message string) {
	global.Load().Warn(prefix + ": " + message)
}
