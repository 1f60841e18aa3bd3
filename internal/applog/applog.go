// Package applog constructs the process-wide log/slog logger: a text
// handler on stdout and, when a log file is configured, a JSON handler on
// disk fanned out via samber/slog-multi — the same tee shape the teacher's
// logger.TeeLogger gives a plain io.Writer, expressed as structured
// handlers instead.
package applog

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Options configures the logger New builds.
type Options struct {
	// Debug enables slog.LevelDebug; otherwise slog.LevelInfo.
	Debug bool
	// Quiet suppresses the stdout handler, leaving only the file handler
	// (if configured) — used by CLI subcommands that render their own
	// table output and don't want log lines interleaved with it.
	Quiet bool
	// FilePath, if non-empty, adds a JSON handler writing to this file.
	FilePath string
	// Stdout overrides the stdout writer; defaults to os.Stdout. Tests
	// supply a buffer here.
	Stdout io.Writer
}

// New builds a *slog.Logger per Options and returns it along with a
// closer for any opened file handle (no-op if none was opened).
func New(opts Options) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handlers []slog.Handler
	closer := func() error { return nil }

	if !opts.Quiet {
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		handlers = append(handlers, slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	}

	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closer, nil
	case 1:
		return slog.New(handlers[0]), closer, nil
	default:
		return slog.New(slogmulti.Fanout(handlers...)), closer, nil
	}
}
