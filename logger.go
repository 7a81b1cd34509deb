package emurender

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/emurender/config"
	"github.com/gogpu/emurender/display"
	"github.com/gogpu/emurender/driver"
	"github.com/gogpu/emurender/internal/crash"
	"github.com/gogpu/emurender/registry"
	"github.com/gogpu/emurender/server"
	"github.com/gogpu/emurender/worker"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for emurender and all its sub-packages.
// By default nothing is logged.
//
// SetLogger is safe for concurrent use. Pass nil to restore the silent
// default.
//
// Log levels used:
//   - [slog.LevelDebug]: per-packet and per-handle diagnostics
//   - [slog.LevelInfo]: lifecycle (listener, workers, driver selection)
//   - [slog.LevelWarn]: bad handles, dropped frames, recoverable driver errors
//   - [slog.LevelError]: connection-fatal framing errors, process aborts
//
// Example:
//
//	emurender.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	driver.SetLogger(l)
	registry.SetLogger(l)
	display.SetLogger(l)
	worker.SetLogger(l)
	server.SetLogger(l)
	config.SetLogger(l)
	crash.SetLogger(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
