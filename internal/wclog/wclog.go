// Package wclog sets up the module's structured logging. It follows the
// teacher binary's approach of fanning a single logger out to both a
// JSON file handler (for post-mortem debugging) and a human-readable
// stdout handler, rather than picking one.
package wclog

import (
	"context"
	"io"
	"log/slog"
)

// New builds a logger that writes debug-level structured JSON to file
// and info-level text to stdout.
func New(file io.Writer, stdout io.Writer) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
