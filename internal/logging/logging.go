// Package logging builds the process logger and its per-component level filter.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"media-relay-go/internal/config"
)

// ComponentKey is the attribute that names the subsystem a logger belongs to.
const ComponentKey = "component"

// New returns a JSON or text logger writing to w. Loggers derived with
// With("component", name) obey the level set for name in log.components.
func New(cfg *config.LogConfig, w io.Writer) *slog.Logger {
	global := ParseLevel(cfg.Level)
	levels := make(map[string]slog.Level, len(cfg.Components))
	floor := global
	for name, lvl := range cfg.Components {
		l := ParseLevel(lvl)
		levels[name] = l
		floor = min(floor, l)
	}

	opts := &slog.HandlerOptions{Level: floor}
	var h slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	if len(levels) == 0 {
		return slog.New(h)
	}
	return slog.New(&componentHandler{next: h, levels: levels, level: global})
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// componentHandler enforces a minimum level that switches when a component
// attribute with its own configured level is attached.
type componentHandler struct {
	next   slog.Handler
	levels map[string]slog.Level
	level  slog.Level
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.level {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.level {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	level := h.level
	for _, a := range attrs {
		if a.Key != ComponentKey {
			continue
		}
		if l, ok := h.levels[a.Value.String()]; ok {
			level = l
		}
	}
	return &componentHandler{next: h.next.WithAttrs(attrs), levels: h.levels, level: level}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{next: h.next.WithGroup(name), levels: h.levels, level: h.level}
}
