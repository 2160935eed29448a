package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
)

const scopeName = "marketplace-session"

// Init installs a JSON logger on stdout as the slog default. The level comes from LOG_LEVEL.
func Init(enableOTel bool) *slog.Logger {
	logger := New(os.Stdout, os.Getenv("LOG_LEVEL"), enableOTel)
	slog.SetDefault(logger)
	GlobalContext = NewContextLogger(logger)

	logger.Info("Logger initialized", "otel_enabled", enableOTel)
	return logger
}

// New builds a JSON logger writing to w. With enableOTel, records at or above
// level are also exported through the global OTel log provider.
func New(w io.Writer, level string, enableOTel bool) *slog.Logger {
	lvl := parseLevel(level)
	var sink slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	if enableOTel {
		bridge := otelslog.NewHandler(scopeName, otelslog.WithLoggerProvider(global.GetLoggerProvider()))
		sink = NewMultiHandler(lvl, sink, bridge)
	}
	// enrichment happens once, before the fan-out
	return slog.New(NewTraceContextHandler(sink))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultiHandler fans records out to several handlers, dropping anything below min.
type MultiHandler struct {
	min      slog.Leveler
	handlers []slog.Handler
}

// NewMultiHandler creates a fan-out handler. A nil min lets every level through.
func NewMultiHandler(min slog.Leveler, handlers ...slog.Handler) *MultiHandler {
	if min == nil {
		min = slog.LevelDebug - 4
	}
	return &MultiHandler{min: min, handlers: handlers}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.min.Level() {
		return false
	}
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.each(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
}

func (h *MultiHandler) each(fn func(slog.Handler) slog.Handler) *MultiHandler {
	next := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		next[i] = fn(handler)
	}
	return &MultiHandler{min: h.min, handlers: next}
}
