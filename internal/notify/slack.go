// Package notify posts replay lifecycle messages to a Slack incoming webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/version"
)

const (
	colorGood    = "#36a64f"
	colorWarning = "#ffc107"
	colorDanger  = "#dc3545"
	colorInfo    = "#439fe0"

	maxErrorLen    = 500
	maxListedNames = 3
)

// SlackConfig configures the webhook notifier.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Channel     string       `json:"channel,omitempty"`
	Username    string       `json:"username,omitempty"`
	IconEmoji   string       `json:"icon_emoji,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a colored message block.
type Attachment struct {
	Color  string  `json:"color,omitempty"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
	Ts     int64   `json:"ts,omitempty"`
}

// Field is a title/value pair rendered inside an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Notifier sends replay notifications. A disabled notifier accepts every
// call and sends nothing.
type Notifier struct {
	config *SlackConfig
	client *http.Client
}

// New creates a notifier. A nil config yields a disabled notifier.
func New(cfg *SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &SlackConfig{}
	}
	return &Notifier{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsEnabled reports whether messages are actually sent.
func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled && n.config.WebhookURL != ""
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return version.Name
}

// ReplayStarted announces a run.
func (n *Notifier) ReplayStarted(runID, source, target string, tables int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":arrows_counterclockwise:",
		Attachments: []Attachment{{
			Color: colorInfo,
			Title: "Replay Started",
			Fields: []Field{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Tables", Value: fmt.Sprintf("%d", tables), Short: true},
				{Title: "Source", Value: source},
				{Title: "Target", Value: target},
			},
			Footer: version.Name,
			Ts:     time.Now().Unix(),
		}},
	})
}

// ReplayCompleted reports a run that finished without tallied errors.
func (n *Notifier) ReplayCompleted(runID string, start time.Time, duration time.Duration, tables int, records, links int64) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":white_check_mark:",
		Attachments: []Attachment{{
			Color: colorGood,
			Title: "Replay Completed",
			Fields: []Field{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Tables", Value: fmt.Sprintf("%d", tables), Short: true},
				{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
				{Title: "Backfilled Links", Value: formatNumberWithCommas(links), Short: true},
				{Title: "Started", Value: start.Format(time.RFC3339), Short: true},
			},
			Footer: version.Name,
			Ts:     time.Now().Unix(),
		}},
	})
}

// ReplayCompletedWithErrors reports a run whose sinks rejected some batches.
func (n *Notifier) ReplayCompletedWithErrors(runID string, start time.Time, duration time.Duration, tables int, records int64, errorCount int, failedTables []string) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":warning:",
		Attachments: []Attachment{{
			Color: colorWarning,
			Title: "Replay Completed With Errors",
			Fields: []Field{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Tables", Value: fmt.Sprintf("%d", tables), Short: true},
				{Title: "Records", Value: formatNumberWithCommas(records), Short: true},
				{Title: "Errors", Value: formatNumberWithCommas(int64(errorCount)), Short: true},
				{Title: "Started", Value: start.Format(time.RFC3339), Short: true},
				{Title: "Tables With Errors", Value: summarizeTables(failedTables)},
			},
			Footer: version.Name,
			Ts:     time.Now().Unix(),
		}},
	})
}

// ReplayFailed reports a run aborted by a setup error or cancellation.
func (n *Notifier) ReplayFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":x:",
		Attachments: []Attachment{{
			Color: colorDanger,
			Title: "Replay Failed",
			Fields: []Field{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Duration", Value: formatDuration(duration), Short: true},
				{Title: "Error", Value: errorText(err)},
			},
			Footer: version.Name,
			Ts:     time.Now().Unix(),
		}},
	})
}

// TableReplayFailed reports a single table whose pipeline returned an error.
func (n *Notifier) TableReplayFailed(runID, table string, err error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(SlackMessage{
		IconEmoji: ":warning:",
		Attachments: []Attachment{{
			Color: colorDanger,
			Title: "Table Replay Failed",
			Fields: []Field{
				{Title: "Run ID", Value: runID, Short: true},
				{Title: "Table", Value: table, Short: true},
				{Title: "Error", Value: errorText(err)},
			},
			Footer: version.Name,
			Ts:     time.Now().Unix(),
		}},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	msg.Channel = n.config.Channel
	msg.Username = n.getUsername()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}
	resp, err := n.client.Post(n.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sending slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	logging.Debug("Slack notification sent: %s", msg.Attachments[0].Title)
	return nil
}

func errorText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	s := err.Error()
	if len(s) > maxErrorLen {
		s = s[:maxErrorLen] + "..."
	}
	return s
}

func summarizeTables(names []string) string {
	if len(names) <= maxListedNames {
		return "Tables with errors: " + strings.Join(names, ", ")
	}
	return fmt.Sprintf("Tables with errors: %s... and %d more",
		strings.Join(names[:maxListedNames], ", "), len(names)-maxListedNames)
}

func formatNumberWithCommas(n int64) string {
	if n < 0 {
		return "-" + formatNumberWithCommas(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
	}
	for i := pre; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
