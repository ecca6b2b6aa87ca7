// Package mlog is the structured-logging helper shared by every millrt
// package. It wraps a single process-wide zap logger so that the
// scheduler, worker pool and poller all log through the same sink with
// the same field conventions.
package mlog

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once sync.Once
	l    *zap.SugaredLogger
)

// L returns the shared logger, building it lazily on first use. Verbosity
// is controlled by MILLRT_DEBUG (any non-empty value switches to zap's
// development config: human-readable, debug level, caller info).
func L() *zap.SugaredLogger {
	once.Do(func() {
		var base *zap.Logger
		var err error
		if os.Getenv("MILLRT_DEBUG") != "" {
			base, err = zap.NewDevelopment()
		} else {
			base, err = zap.NewProduction()
		}
		if err != nil {
			base = zap.NewNop()
		}
		l = base.Sugar()
	})
	return l
}

// Sync flushes any buffered log entries. Callers should defer this from
// main(); errors are deliberately ignored since most occur on stderr
// being a non-syncable console, which is harmless.
func Sync() {
	if l != nil {
		_ = l.Sync()
	}
}

// SetForTest installs a logger suitable for test output and returns a
// restore func. Tests that want to assert on log content can instead
// build their own zap/zaptest logger and call SetForTest with it.
func SetForTest(logger *zap.SugaredLogger) func() {
	once.Do(func() {}) // ensure once is "consumed" so L() doesn't clobber us
	prev := l
	l = logger
	return func() { l = prev }
}
