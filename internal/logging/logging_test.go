package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"media-relay-go/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&config.LogConfig{
		Level:  "info",
		Format: "text",
		Components: map[string]string{
			"websocket":     "warn",
			"relay_handler": "debug",
		},
	}, &buf)

	ws := logger.With(ComponentKey, "websocket")
	relay := logger.With(ComponentKey, "relay_handler")
	other := logger.With(ComponentKey, "backend_proxy")

	ws.Info("frame relayed")
	ws.Warn("socket dropped")
	relay.Debug("relay detail")
	other.Debug("backend detail")
	other.Info("backend request")

	out := buf.String()
	for _, want := range []string{"socket dropped", "relay detail", "backend request"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, unwanted := range []string{"frame relayed", "backend detail"} {
		if strings.Contains(out, unwanted) {
			t.Errorf("output should not contain %q:\n%s", unwanted, out)
		}
	}
}

func TestNew_JSONWithoutComponents(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&config.LogConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.Error("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record emitted at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON error record, got %s", out)
	}
}
