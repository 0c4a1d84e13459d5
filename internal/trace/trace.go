// Package trace is the process-wide trace gate for the pipe-IPC layer.
// It is controlled by the NXPC_TRACE environment variable, read exactly
// once the first time anything logs; it is never re-read per call.
package trace

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var enabled = sync.OnceValue(func() bool {
	v := os.Getenv("NXPC_TRACE")
	return v != "" && v != "0" && v != "false"
})

// The process-default logger drops debug records, so the gate owns a
// handler with LevelDebug enabled; records go to stderr, which a plugin
// host forwards alongside the child's own diagnostics.
var logger = sync.OnceValue(func() *slog.Logger {
	return newLogger(os.Stderr)
})

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Enabled reports whether trace logging is on for this process.
func Enabled() bool { return enabled() }

// Logf emits one trace record when the gate is open.
func Logf(msg string, args ...any) {
	if !enabled() {
		return
	}
	logger().Debug(msg, args...)
}
