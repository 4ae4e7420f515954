package drawbatch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/drawbatch/geometry"
	"github.com/gogpu/drawbatch/internal/drawlist"
	"github.com/gogpu/drawbatch/internal/pipeline"
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

// SetLogger configures the logger for drawbatch and all its sub-packages.
// By default, drawbatch produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by drawbatch:
//   - [slog.LevelDebug]: rebuild, sort, flush and compile diagnostics
//   - [slog.LevelInfo]: lifecycle events (buffer creation, pool reallocation)
//   - [slog.LevelWarn]: degradations (fallback pipelines, deferred loads, skipped passes)
//   - [slog.LevelError]: broken invariants (reservation overflow, oversized joint batches)
//
// Example:
//
//	drawbatch.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	geometry.SetLogger(l)
	pipeline.SetLogger(l)
	drawlist.SetLogger(l)
}

// Logger returns the current logger used by drawbatch.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
