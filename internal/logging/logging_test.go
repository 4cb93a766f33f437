package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	log.Debug().Str("component", "store").Msg("hello")
	log.Trace().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["message"] != "hello" || entry["component"] != "store" || entry["level"] != "debug" {
		t.Errorf("unexpected entry %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	log.Info().Msg("started")
	out := buf.String()
	if strings.HasPrefix(out, "{") || !strings.Contains(out, "started") {
		t.Errorf("console output = %q", out)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("New() accepted an unknown level")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New() accepted an unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"trace", zerolog.TraceLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestPipe(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	Pipe(strings.NewReader("WARN first\n\n  second  \n"), log, zerolog.WarnLevel)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], `"message":"second"`) || !strings.Contains(lines[1], `"level":"warn"`) {
		t.Errorf("second line = %s", lines[1])
	}
}
