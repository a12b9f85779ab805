package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/domintell-bridge/internal/infrastructure/config"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	return entry
}

func TestNew(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stderr"},
		{},
	} {
		if New(cfg, "1.0.0") == nil {
			t.Errorf("New(%+v) = nil", cfg)
		}
	}
	if Default() == nil {
		t.Error("Default() = nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(config.LoggingConfig{Level: "info"}, "test", &buf).
		Info("controller session ready", "address", "192.168.1.20:17481")

	entry := decodeEntry(t, &buf)
	want := map[string]any{
		"service": ServiceName,
		"version": "test",
		"msg":     "controller session ready",
		"address": "192.168.1.20:17481",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestSecretsAreRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "debug"}, "test", &buf)
	logger.With("component", "session").Debug("login", "password", "hunter2", "Digest", "abcd", "username", "admin")

	entry := decodeEntry(t, &buf)
	if entry["password"] != redacted || entry["Digest"] != redacted {
		t.Errorf("secrets not redacted: %v", entry)
	}
	if entry["username"] != "admin" || entry["component"] != "session" {
		t.Errorf("plain attributes changed: %v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, "test", &buf)
	logger.Info("hidden")
	logger.With("component", "session").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info entry written at warn level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "component=session") {
		t.Errorf("output = %q", out)
	}
}
