// Package config builds the immutable run configuration of a replay from an
// optional yaml file, command line overrides, environment and secrets.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/notify"
	"github.com/xataio/xtools/internal/secrets"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultBaseDomain         = "xata.sh"
	DefaultControlPlaneDomain = "api.xata.io"

	// Environment variables holding API keys.
	SourceAPIKeyEnv      = "from_XATA_API_KEY"
	DestinationAPIKeyEnv = "to_XATA_API_KEY"

	DefaultHistoryFile = "xreplay-history.db"
)

// Output targets.
const (
	TargetXata     = "xata"
	TargetFile     = "file"
	TargetPostgres = "postgres"
)

// Config is the complete configuration of a run. It is built once and
// treated as read-only afterwards.
type Config struct {
	Source        EndpointConfig      `yaml:"source"`
	Destination   EndpointConfig      `yaml:"destination"`
	ControlPlane  ControlPlaneConfig  `yaml:"control_plane"`
	Output        OutputConfig        `yaml:"output"`
	Replay        ReplayConfig        `yaml:"replay"`
	ErrorFile     string              `yaml:"error_file"`
	HistoryFile   string              `yaml:"history_file"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// EndpointConfig addresses one Xata branch.
type EndpointConfig struct {
	Workspace string `yaml:"workspace"`
	Database  string `yaml:"database"`
	Branch    string `yaml:"branch"`
	Region    string `yaml:"region"`
	APIKey    string `yaml:"api_key"`
	// Endpoint replaces https://{workspace}.{region}.xata.sh.
	Endpoint   string `yaml:"endpoint"`
	HostHeader string `yaml:"host_header"`
}

// ControlPlaneConfig addresses the database management API.
type ControlPlaneConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// OutputConfig selects where records are written.
type OutputConfig struct {
	Target   string         `yaml:"target"`
	Format   string         `yaml:"format"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the postgres output target. DSN wins over the
// individual connection fields.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	Schema   string `yaml:"schema"`
	MaxConns int    `yaml:"max_conns"`
}

// ReplayConfig tunes the pipelines.
type ReplayConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	BulkSize     int           `yaml:"bulk_size"`
	PageSize     int           `yaml:"page_size"`
	QueueSize    int           `yaml:"queue_size"`
	Backfill     string        `yaml:"backfill"`
	PhaseTimeout time.Duration `yaml:"phase_timeout"`
	// ReportInterval throttles the live progress lines.
	ReportInterval time.Duration `yaml:"report_interval"`
	ProgressBar    bool          `yaml:"progress_bar"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig enables the Pushgateway backend when PushgatewayURL is set.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// NotificationsConfig holds notification targets.
type NotificationsConfig struct {
	Slack notify.SlackConfig `yaml:"slack"`
}

// Default returns a configuration holding every default value.
func Default() *Config {
	return &Config{
		Output: OutputConfig{
			Target: TargetXata,
			Format: "json",
			Postgres: PostgresConfig{
				Port:     5432,
				SSLMode:  "prefer",
				Schema:   "public",
				MaxConns: 10,
			},
		},
		Replay: ReplayConfig{
			Concurrency:    2,
			BulkSize:       100,
			PageSize:       200,
			QueueSize:      1000,
			Backfill:       "transaction",
			ReportInterval: 10 * time.Second,
		},
		HistoryFile: DefaultHistoryFile,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Job: "xreplay"},
	}
}

// Load reads a yaml configuration file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve fills the values derived from other fields, the environment and
// the secrets file. now stamps the default error and output paths.
func (c *Config) Resolve(now time.Time) {
	c.Output.Target = strings.ToLower(c.Output.Target)
	c.Output.Format = strings.ToLower(c.Output.Format)
	c.Replay.Backfill = strings.ToLower(c.Replay.Backfill)

	if c.Output.Target != TargetXata {
		// Non-xata runs name their artifacts after the source.
		dst := c.Source
		dst.APIKey = ""
		c.Destination = dst
	}
	if c.Output.Target == TargetFile {
		c.Replay.Concurrency = 1
		if c.Output.Format != "csv" {
			c.Output.Format = "json"
		}
	}

	s, err := secrets.Load()
	if err != nil {
		var nf *secrets.SecretsNotFoundError
		if !errors.As(err, &nf) {
			logging.Warn("Ignoring secrets file: %v", err)
		}
		s = nil
	}
	c.Source.APIKey = firstNonEmpty(c.Source.APIKey, os.Getenv(SourceAPIKeyEnv), s.SourceAPIKey())
	if c.Output.Target == TargetXata {
		c.Destination.APIKey = firstNonEmpty(c.Destination.APIKey, os.Getenv(DestinationAPIKeyEnv), s.DestinationAPIKey())
	}
	if c.Output.Target == TargetPostgres && c.Output.Postgres.DSN == "" && s != nil {
		c.Output.Postgres.DSN = s.Postgres.DSN
	}
	if c.Notifications.Slack.WebhookURL == "" {
		c.Notifications.Slack.WebhookURL = s.SlackWebhook()
	}

	stamp := now.Format("2006-01-02T15:04:05")
	if c.ErrorFile == "" {
		c.ErrorFile = filepath.Join("logs", fmt.Sprintf("debug-%s-%s-%s-%s.log",
			c.Destination.Workspace, c.Destination.Database, c.Destination.Branch, stamp))
	}
	if c.Output.Target == TargetFile {
		if c.Output.Path == "" {
			c.Output.Path = fmt.Sprintf("output/%s-%s-%s-%s-%s/",
				c.Source.Workspace, c.Source.Database, c.Source.Region, c.Source.Branch, stamp)
		}
		if !strings.HasSuffix(c.Output.Path, "/") {
			c.Output.Path += "/"
		}
	}
}

// Validate checks required fields and ranges. Every failure wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Replay.BulkSize > 500 {
		logging.Warn("You have configured a large bulk size. If there are large records in the tables to copy, " +
			"you could reach the transaction size limit. In case errors occur, consider retrying with a smaller bulk size.")
	}
	return nil
}

func (c *Config) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	if c.Source.APIKey == "" {
		return fmt.Errorf("source API key must be passed as a flag, set in %s or stored in the secrets file", SourceAPIKeyEnv)
	}

	switch c.Output.Target {
	case TargetXata:
		if err := c.Destination.validate("destination"); err != nil {
			return err
		}
		if c.Destination.APIKey == "" {
			return fmt.Errorf("destination API key must be passed as a flag, set in %s or stored in the secrets file", DestinationAPIKeyEnv)
		}
	case TargetFile:
		if c.Output.Format != "json" && c.Output.Format != "csv" {
			return fmt.Errorf("output format must be json or csv, got %q", c.Output.Format)
		}
	case TargetPostgres:
		if c.Output.Postgres.DSN == "" && (c.Output.Postgres.Host == "" || c.Output.Postgres.Database == "") {
			return errors.New("postgres output needs a dsn or host and database")
		}
	default:
		return fmt.Errorf("output target must be one of xata, file or postgres, got %q", c.Output.Target)
	}

	r := c.Replay
	if r.Concurrency < 1 || r.Concurrency > 10 {
		return fmt.Errorf("concurrency should be between 1 and 10, got %d", r.Concurrency)
	}
	if r.BulkSize < 1 || r.BulkSize > 1000 {
		return fmt.Errorf("bulk size should be between 1 and 1000, got %d", r.BulkSize)
	}
	if r.PageSize < 1 || r.PageSize > 200 {
		return fmt.Errorf("page size should be between 1 and 200, got %d", r.PageSize)
	}
	if r.QueueSize < r.PageSize || r.QueueSize > 10000 {
		return fmt.Errorf("queue size should be between the page size of %d and the limit of 10000, got %d", r.PageSize, r.QueueSize)
	}
	switch r.Backfill {
	case "transaction", "bulk", "atomic":
	default:
		return fmt.Errorf("backfill should be one of transaction, bulk or atomic, got %q", r.Backfill)
	}
	if r.PhaseTimeout < 0 {
		return fmt.Errorf("phase timeout cannot be negative")
	}
	if c.ErrorFile == "" {
		return errors.New("error file path is empty")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (e *EndpointConfig) validate(side string) error {
	switch {
	case e.Workspace == "":
		return fmt.Errorf("%s workspace is required", side)
	case e.Database == "":
		return fmt.Errorf("%s database is required", side)
	case e.Branch == "":
		return fmt.Errorf("%s branch is required", side)
	case e.Region == "":
		return fmt.Errorf("%s region is required", side)
	}
	return nil
}

// BranchURL returns the base URL of the branch, e.g.
// https://ws.us-east-1.xata.sh/db/app:main.
func (e *EndpointConfig) BranchURL() string {
	base := strings.TrimSuffix(e.Endpoint, "/")
	if base == "" {
		base = "https://" + e.defaultHost()
	}
	return fmt.Sprintf("%s/db/%s:%s", base, e.Database, e.Branch)
}

// Host returns the Host header override. It is only set for custom
// endpoints, defaulting to the production host of the workspace.
func (e *EndpointConfig) Host() string {
	if e.Endpoint == "" {
		return ""
	}
	if e.HostHeader != "" {
		return e.HostHeader
	}
	return e.defaultHost()
}

// Label identifies the branch in messages.
func (e *EndpointConfig) Label() string {
	return fmt.Sprintf("%s/%s:%s (%s)", e.Workspace, e.Database, e.Branch, e.Region)
}

func (e *EndpointConfig) defaultHost() string {
	return fmt.Sprintf("%s.%s.%s", e.Workspace, e.Region, DefaultBaseDomain)
}

// ControlPlaneURL returns the management URL of the destination database.
func (c *Config) ControlPlaneURL() string {
	base := strings.TrimSuffix(c.ControlPlane.Endpoint, "/")
	if base == "" {
		base = "https://" + DefaultControlPlaneDomain
	}
	return fmt.Sprintf("%s/workspaces/%s/dbs/%s", base, c.Destination.Workspace, c.Destination.Database)
}

// PostgresDSN returns the connection string of the postgres target.
func (c *Config) PostgresDSN() string {
	p := c.Output.Postgres
	if p.DSN != "" {
		return p.DSN
	}
	return c.buildPostgresDSN(p.Host, p.Port, p.Database, p.User, p.Password, p.SSLMode)
}

func (c *Config) buildPostgresDSN(host string, port int, database, user, password, sslMode string) string {
	userInfo := url.QueryEscape(user)
	if password != "" {
		userInfo += ":" + url.QueryEscape(password)
	}
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		userInfo, host, port, url.PathEscape(database), url.QueryEscape(sslMode))
}

// Target describes where records go, for messages and history.
func (c *Config) Target() string {
	switch c.Output.Target {
	case TargetFile:
		return c.Output.Path
	case TargetPostgres:
		return "postgres schema " + c.Output.Postgres.Schema
	default:
		return c.Destination.Label()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
