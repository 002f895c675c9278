package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"osfleet/internal/apperrors"
	"osfleet/internal/config"
)

// newLogger builds the run logger: JSON (or text with LOG_FORMAT=text) on
// w, plus JSON appended to LOG_FILE when set. The returned func closes the
// log file.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, func() error, error) {
	var console slog.Handler
	if cfg.LogFormat == "text" {
		console = slog.NewTextHandler(w, nil)
	} else {
		console = slog.NewJSONHandler(w, nil)
	}
	if cfg.LogFile == "" {
		return slog.New(console), func() error { return nil }, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, nil, apperrors.Setup("open log file", err)
	}
	h := &fanoutHandler{handlers: []slog.Handler{console, slog.NewJSONHandler(f, nil)}}
	return slog.New(h), f.Close, nil
}

// fanoutHandler sends each record to every handler enabled for its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		// A failing file must not silence the console.
		if err := handler.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}
