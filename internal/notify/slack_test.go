package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// captureServer records the last message posted to it.
func captureServer(t *testing.T, msg *SlackMessage) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, msg)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func field(msg SlackMessage, title string) (string, bool) {
	if len(msg.Attachments) == 0 {
		return "", false
	}
	for _, f := range msg.Attachments[0].Fields {
		if f.Title == title {
			return f.Value, true
		}
	}
	return "", false
}

func TestNew(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		n := New(nil)
		if n == nil {
			t.Fatal("expected notifier, got nil")
		}
		if n.IsEnabled() {
			t.Error("expected notifier to be disabled with nil config")
		}
	})

	t.Run("valid config", func(t *testing.T) {
		n := New(&SlackConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/test",
			Channel:    "#test",
			Username:   "test-bot",
		})
		if !n.IsEnabled() {
			t.Error("expected notifier to be enabled")
		}
	})
}

func TestIsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		config   *SlackConfig
		expected bool
	}{
		{"nil config", nil, false},
		{"disabled explicitly", &SlackConfig{Enabled: false, WebhookURL: "https://test"}, false},
		{"enabled but no webhook", &SlackConfig{Enabled: true}, false},
		{"enabled with webhook", &SlackConfig{Enabled: true, WebhookURL: "https://hooks.slack.com/test"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.config).IsEnabled(); got != tt.expected {
				t.Errorf("IsEnabled() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	n := New(nil)
	start := time.Now()
	calls := []error{
		n.ReplayStarted("run", "src", "dst", 3),
		n.ReplayCompleted("run", start, time.Minute, 3, 10, 2),
		n.ReplayCompletedWithErrors("run", start, time.Minute, 3, 10, 1, []string{"posts"}),
		n.ReplayFailed("run", errors.New("boom"), time.Minute),
		n.TableReplayFailed("run", "posts", errors.New("boom")),
	}
	for i, err := range calls {
		if err != nil {
			t.Errorf("call %d: expected nil error, got %v", i, err)
		}
	}
}

func TestReplayStarted(t *testing.T) {
	var msg SlackMessage
	server := captureServer(t, &msg)

	n := New(&SlackConfig{
		Enabled:    true,
		WebhookURL: server.URL,
		Channel:    "#replays",
		Username:   "replay-bot",
	})
	if err := n.ReplayStarted("run-123", "ws/db:main", "ws/db:copy", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Channel != "#replays" {
		t.Errorf("channel = %q, want %q", msg.Channel, "#replays")
	}
	if msg.Username != "replay-bot" {
		t.Errorf("username = %q, want %q", msg.Username, "replay-bot")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	if msg.Attachments[0].Title != "Replay Started" {
		t.Errorf("title = %q", msg.Attachments[0].Title)
	}
	if v, _ := field(msg, "Target"); v != "ws/db:copy" {
		t.Errorf("target = %q", v)
	}
}

func TestReplayCompleted(t *testing.T) {
	var msg SlackMessage
	server := captureServer(t, &msg)

	n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
	start := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	if err := n.ReplayCompleted("run-456", start, 5*time.Minute, 10, 1000000, 2500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.IconEmoji != ":white_check_mark:" {
		t.Errorf("icon = %q", msg.IconEmoji)
	}
	if msg.Attachments[0].Color != "#36a64f" {
		t.Errorf("color = %q, want green (#36a64f)", msg.Attachments[0].Color)
	}
	if v, _ := field(msg, "Records"); v != "1,000,000" {
		t.Errorf("records = %q", v)
	}
	if v, _ := field(msg, "Backfilled Links"); v != "2,500" {
		t.Errorf("links = %q", v)
	}
	if msg.Username != "xreplay" {
		t.Errorf("username = %q", msg.Username)
	}
}

func TestReplayFailed(t *testing.T) {
	t.Run("nil error handled", func(t *testing.T) {
		var msg SlackMessage
		server := captureServer(t, &msg)

		n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
		if err := n.ReplayFailed("run-123", nil, 5*time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v, ok := field(msg, "Error"); !ok || v != "Unknown error" {
			t.Errorf("Error field = %q", v)
		}
	})

	t.Run("long error truncated", func(t *testing.T) {
		var msg SlackMessage
		server := captureServer(t, &msg)

		n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
		if err := n.ReplayFailed("run-123", errors.New(strings.Repeat("a", 600)), time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		v, _ := field(msg, "Error")
		if len(v) != 503 || !strings.HasSuffix(v, "...") {
			t.Errorf("error not truncated: len=%d", len(v))
		}
	})

	t.Run("sends correct payload", func(t *testing.T) {
		var msg SlackMessage
		server := captureServer(t, &msg)

		n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
		if err := n.ReplayFailed("run-789", errors.New("source branch not found"), 2*time.Minute); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.IconEmoji != ":x:" {
			t.Errorf("icon = %q", msg.IconEmoji)
		}
		if msg.Attachments[0].Color != "#dc3545" {
			t.Errorf("color = %q, want red (#dc3545)", msg.Attachments[0].Color)
		}
		if msg.Attachments[0].Title != "Replay Failed" {
			t.Errorf("title = %q", msg.Attachments[0].Title)
		}
		if v, _ := field(msg, "Duration"); v != "2m 0s" {
			t.Errorf("duration = %q", v)
		}
	})
}

func TestReplayCompletedWithErrors(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		want   string
	}{
		{"few tables listed", []string{"users", "posts"}, "Tables with errors: users, posts"},
		{"many tables truncated", []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7"}, "Tables with errors: t1, t2, t3... and 4 more"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg SlackMessage
			server := captureServer(t, &msg)

			n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
			if err := n.ReplayCompletedWithErrors("run-123", time.Now(), 5*time.Minute, 8, 1000, 4, tt.tables); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.IconEmoji != ":warning:" || msg.Attachments[0].Color != "#ffc107" {
				t.Errorf("icon/color = %q/%q", msg.IconEmoji, msg.Attachments[0].Color)
			}
			if v, _ := field(msg, "Tables With Errors"); v != tt.want {
				t.Errorf("summary = %q, want %q", v, tt.want)
			}
		})
	}
}

func TestTableReplayFailed(t *testing.T) {
	var msg SlackMessage
	server := captureServer(t, &msg)

	n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
	if err := n.TableReplayFailed("run-123", "orders", errors.New("context deadline exceeded")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Attachments[0].Title != "Table Replay Failed" {
		t.Errorf("title = %q", msg.Attachments[0].Title)
	}
	if v, ok := field(msg, "Table"); !ok || v != "orders" {
		t.Error("expected table name in fields")
	}
}

func TestSend(t *testing.T) {
	t.Run("HTTP error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		n := New(&SlackConfig{Enabled: true, WebhookURL: server.URL})
		if err := n.ReplayStarted("run-123", "src", "tgt", 5); err == nil {
			t.Error("expected error for non-200 response")
		}
	})

	t.Run("connection error", func(t *testing.T) {
		n := New(&SlackConfig{Enabled: true, WebhookURL: "http://localhost:99999"})
		if err := n.ReplayStarted("run-123", "src", "tgt", 5); err == nil {
			t.Error("expected error for connection failure")
		}
	})
}

func TestGetUsername(t *testing.T) {
	if got := New(&SlackConfig{Username: "custom-bot"}).getUsername(); got != "custom-bot" {
		t.Errorf("getUsername() = %q, want %q", got, "custom-bot")
	}
	if got := New(&SlackConfig{}).getUsername(); got != "xreplay" {
		t.Errorf("getUsername() = %q, want %q", got, "xreplay")
	}
}

func TestFormatNumberWithCommas(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0"},
		{12, "12"},
		{123, "123"},
		{1234, "1,234"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
		{1000000000, "1,000,000,000"},
		{-1234, "-1,234"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatNumberWithCommas(tt.input); got != tt.expected {
				t.Errorf("formatNumberWithCommas(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{60 * time.Second, "1m 0s"},
		{5*time.Minute + 30*time.Second, "5m 30s"},
		{60 * time.Minute, "1h 0m 0s"},
		{25*time.Hour + 5*time.Minute + 10*time.Second, "25h 5m 10s"},
		{1*time.Second + 500*time.Millisecond, "2s"},
		{1*time.Second + 499*time.Millisecond, "1s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatDuration(tt.input); got != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
