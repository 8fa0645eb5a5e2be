package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "device_id", "dev1")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unexpected json: %v", err)
	}
	if rec["device_id"] != "dev1" {
		t.Fatalf("missing device_id: %v", rec)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "TEXT").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("unexpected text output: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warning") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}
