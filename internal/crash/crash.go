// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package crash terminates the process on guest protocol invariant
// violations: handle collisions on explicit-handle creation and zero-length
// command packets. Both mean host and guest state have diverged, so the
// renderer stops instead of risking corruption of unrelated resources.
package crash

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// AbortFunc is called with the formatted reason. It must not return
// normally; the default logs and exits with status 2.
type AbortFunc func(reason string)

var (
	abortFn   atomic.Pointer[AbortFunc]
	loggerPtr atomic.Pointer[slog.Logger]
)

func init() {
	fn := AbortFunc(defaultAbort)
	abortFn.Store(&fn)
	loggerPtr.Store(slog.New(nopHandler{}))
}

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func defaultAbort(reason string) {
	loggerPtr.Load().Error("fatal protocol violation", "reason", reason)
	fmt.Fprintf(os.Stderr, "emurender: fatal: %s\n", reason)
	os.Exit(2)
}

// SetLogger sets the logger used by the default abort handler.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

// SetAbortFunc replaces the abort handler and returns the previous one.
// Tests install a handler that records the reason and calls runtime.Goexit.
// Passing nil restores the default.
func SetAbortFunc(fn AbortFunc) AbortFunc {
	if fn == nil {
		fn = defaultAbort
	}
	prev := abortFn.Swap(&fn)
	return *prev
}

// Abort reports an unrecoverable invariant violation.
func Abort(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	(*abortFn.Load())(reason)
	// A handler that returns is a bug; never continue past an abort.
	panic("crash: abort handler returned: " + reason)
}
