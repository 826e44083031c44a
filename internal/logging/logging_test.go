package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// capture routes log output into a buffer for the duration of the test.
func capture(t *testing.T, level Level, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	SetFormat(format)
	t.Cleanup(func() {
		SetOutput(nil)
		SetLevel(LevelInfo)
		SetFormat("text")
		SetSimpleMode(false)
	})
	return &buf
}

func TestJSONEntries(t *testing.T) {
	buf := capture(t, LevelDebug, "JSON")

	Debug("fetching page %d of %s", 3, "users")
	Info("plain")
	Warn("slow table")
	Error("request failed: %v", "timeout")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []struct{ level, msg string }{
		{"debug", "fetching page 3 of users"},
		{"info", "plain"},
		{"warn", "slow table"},
		{"error", "request failed: timeout"},
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), buf.String())
	}
	for i, line := range lines {
		var entry map[string]string
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON %q: %v", line, err)
		}
		if entry["level"] != want[i].level || entry["msg"] != want[i].msg {
			t.Errorf("line %d = %v, want level=%s msg=%q", i, entry, want[i].level, want[i].msg)
		}
		if _, err := time.Parse(time.RFC3339Nano, entry["ts"]); err != nil {
			t.Errorf("line %d ts %q: %v", i, entry["ts"], err)
		}
	}
}

func TestTextEntries(t *testing.T) {
	buf := capture(t, LevelInfo, "text")

	Info("replayed %d records", 42)

	out := buf.String()
	if !strings.Contains(out, "[INFO] replayed 42 records") {
		t.Errorf("output = %q", out)
	}
	if _, err := time.Parse("2006-01-02 15:04:05", out[:19]); err != nil {
		t.Errorf("output %q does not start with a timestamp: %v", out, err)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, LevelWarn, "text")

	Debug("hidden")
	Info("hidden")
	Warn("shown")
	Error("shown too")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below warn were written: %q", out)
	}
	if strings.Count(out, "shown") != 2 {
		t.Errorf("output = %q", out)
	}
	if IsDebug() {
		t.Error("IsDebug() = true at warn level")
	}
}

func TestSimpleMode(t *testing.T) {
	buf := capture(t, LevelInfo, "text")
	SetSimpleMode(true)

	Info("users 10/10")
	Warn("careful")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("output = %q", buf.String())
	}
	if lines[0] != "users 10/10" {
		t.Errorf("info line = %q, want it bare", lines[0])
	}
	if !strings.Contains(lines[1], "[WARN] careful") {
		t.Errorf("warn line = %q, want it tagged", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"Warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"", LevelInfo, true},
		{"trace", LevelInfo, true},
		{" info", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevelRoundTrip(t *testing.T) {
	defer SetLevel(GetLevel())

	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(level.String())
		if err != nil || parsed != level {
			t.Errorf("ParseLevel(%q) = %v, %v", level.String(), parsed, err)
		}
		SetLevel(level)
		if GetLevel() != level {
			t.Errorf("GetLevel() = %v after SetLevel(%v)", GetLevel(), level)
		}
	}
	if got := Level(99).String(); got != "UNKNOWN" {
		t.Errorf("Level(99).String() = %q", got)
	}
}
