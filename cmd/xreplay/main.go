package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/xataio/xtools/internal/config"
	"github.com/xataio/xtools/internal/history"
	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/orchestrator"
	"github.com/xataio/xtools/internal/secrets"
	"github.com/xataio/xtools/internal/version"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to an optional configuration file",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Identifier of the run (default: generated)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Print the run result as JSON to stdout",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write the run result as JSON to a file",
			},
			&cli.StringFlag{
				Name:  "history-file",
				Usage: "SQLite file holding the run history (empty disables history)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"verbosity"},
				Value:   "info",
				Usage:   "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Replay the source branch into the output target",
				Flags:  append(replayFlags(), &cli.BoolFlag{Name: "validate", Usage: "Compare record counts after the replay"}),
				Action: runReplay,
			},
			{
				Name:   "plan",
				Usage:  "Classify the source tables and print the replay plan without copying",
				Flags:  replayFlags(),
				Action: showPlan,
			},
			{
				Name:   "check",
				Usage:  "Check connectivity to the source and the output target",
				Flags:  replayFlags(),
				Action: healthCheck,
			},
			{
				Name:   "validate",
				Usage:  "Compare record counts between source and target",
				Flags:  replayFlags(),
				Action: validateReplay,
			},
			{
				Name:  "history",
				Usage: "List all runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "init-secrets",
				Usage:  "Print a template secrets file",
				Action: initSecrets,
			},
		},
	}
}

// replayFlags are the flags of every command talking to Xata. Underscore
// aliases keep the option names of earlier releases working.
func replayFlags() []cli.Flag {
	flags := endpointFlags("from", "source")
	flags = append(flags, endpointFlags("to", "destination")...)
	return append(flags,
		&cli.StringFlag{Name: "control-plane", Aliases: []string{"custom_control_plane"}, Usage: "Custom control plane address"},
		&cli.StringFlag{Name: "output", Usage: "Where to output records: xata, file or postgres"},
		&cli.StringFlag{Name: "format", Aliases: []string{"output_format"}, Usage: "File output format: json or csv"},
		&cli.StringFlag{Name: "output-path", Aliases: []string{"output_path"}, Usage: "Directory to write record content to"},
		&cli.StringFlag{Name: "pg-dsn", Usage: "Connection string of the postgres target"},
		&cli.StringFlag{Name: "pg-schema", Usage: "Schema of the postgres target"},
		&cli.IntFlag{Name: "concurrency", Usage: "Concurrent writers per table, 1 to 10"},
		&cli.IntFlag{Name: "bulk-size", Aliases: []string{"bulk_size"}, Usage: "Records per write request, 1 to 1000"},
		&cli.IntFlag{Name: "page-size", Aliases: []string{"page_size"}, Usage: "Records per page of the scroll request, 1 to 200"},
		&cli.IntFlag{Name: "queue-size", Aliases: []string{"queue_size"}, Usage: "Records buffered per table, page size to 10000"},
		&cli.StringFlag{Name: "backfill", Aliases: []string{"links_backfill_method"}, Usage: "How to backfill links: transaction, bulk or atomic"},
		&cli.DurationFlag{Name: "phase-timeout", Usage: "Abort a phase running longer than this (0 disables)"},
		&cli.StringFlag{Name: "error-file", Aliases: []string{"error_file"}, Usage: "File path to output errors"},
		&cli.BoolFlag{Name: "progress", Usage: "Show a progress bar"},
	)
}

func endpointFlags(prefix, side string) []cli.Flag {
	flag := func(name, usage string) *cli.StringFlag {
		return &cli.StringFlag{
			Name:    prefix + "-" + name,
			Aliases: []string{prefix + "_" + name},
			Usage:   fmt.Sprintf("%s %s", side, usage),
		}
	}
	return []cli.Flag{
		flag("workspace", "workspace id"),
		flag("database", "database name"),
		flag("branch", "branch name"),
		flag("region", "region name"),
		&cli.StringFlag{
			Name:    prefix + "-api-key",
			Aliases: []string{prefix + "_XATA_API_KEY"},
			Usage:   fmt.Sprintf("Xata API key for the %s workspace", side),
		},
		&cli.StringFlag{
			Name:  prefix + "-endpoint",
			Usage: fmt.Sprintf("Custom %s endpoint instead of the production one", side),
		},
		&cli.StringFlag{
			Name:  prefix + "-host",
			Usage: fmt.Sprintf("Host header for connections to the %s", side),
		},
	}
}

// buildConfig loads the configuration file and applies the command line
// over it.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(c, cfg)
	cfg.Resolve(time.Now())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}

	setString("log-level", &cfg.Logging.Level)
	setString("log-format", &cfg.Logging.Format)
	setString("history-file", &cfg.HistoryFile)

	// Commands without replay flags only read the global ones.
	if c.Command == nil || c.Command.Name == "history" || c.Command.Name == "init-secrets" {
		return
	}
	for _, side := range []struct {
		prefix string
		ep     *config.EndpointConfig
	}{{"from", &cfg.Source}, {"to", &cfg.Destination}} {
		setString(side.prefix+"-workspace", &side.ep.Workspace)
		setString(side.prefix+"-database", &side.ep.Database)
		setString(side.prefix+"-branch", &side.ep.Branch)
		setString(side.prefix+"-region", &side.ep.Region)
		setString(side.prefix+"-api-key", &side.ep.APIKey)
		setString(side.prefix+"-endpoint", &side.ep.Endpoint)
		setString(side.prefix+"-host", &side.ep.HostHeader)
	}
	setString("control-plane", &cfg.ControlPlane.Endpoint)
	setString("output", &cfg.Output.Target)
	setString("format", &cfg.Output.Format)
	setString("output-path", &cfg.Output.Path)
	setString("pg-dsn", &cfg.Output.Postgres.DSN)
	setString("pg-schema", &cfg.Output.Postgres.Schema)
	setInt("concurrency", &cfg.Replay.Concurrency)
	setInt("bulk-size", &cfg.Replay.BulkSize)
	setInt("page-size", &cfg.Replay.PageSize)
	setInt("queue-size", &cfg.Replay.QueueSize)
	setString("backfill", &cfg.Replay.Backfill)
	setString("error-file", &cfg.ErrorFile)
	if c.IsSet("phase-timeout") {
		cfg.Replay.PhaseTimeout = c.Duration("phase-timeout")
	}
	if c.IsSet("progress") {
		cfg.Replay.ProgressBar = c.Bool("progress")
	}
}

func setupLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	logging.SetFormat(cfg.Logging.Format)
	return nil
}

// newOrchestrator opens the run history and builds the orchestrator. A
// history file that cannot be opened only disables history.
func newOrchestrator(c *cli.Context, cfg *config.Config) (*orchestrator.Orchestrator, error) {
	opts := orchestrator.Options{RunID: c.String("run-id")}
	if cfg.HistoryFile != "" {
		store, err := history.Open(cfg.HistoryFile)
		if err != nil {
			logging.Warn("Run history disabled: %v", err)
		} else {
			opts.History = store
		}
	}

	orch, err := orchestrator.New(cfg, opts)
	if err != nil {
		if opts.History != nil {
			opts.History.Close()
		}
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orch, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nInterrupted. Stopping the replay...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runReplay(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(c, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	result, runErr := orch.Run(ctx)
	if result != nil {
		if err := outputJSON(c, result); err != nil {
			logging.Warn("Failed to write result: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	if c.Bool("validate") {
		return orch.Validate(ctx)
	}
	return nil
}

func showPlan(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(c, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext()
	defer cancel()

	plan, err := orch.DryRun(ctx)
	if err != nil {
		return err
	}
	return outputJSON(c, plan)
}

func healthCheck(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(c, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(context.Background())
	if err != nil {
		return err
	}
	if err := outputJSON(c, result); err != nil {
		return err
	}
	if !result.Healthy {
		return fmt.Errorf("health check failed")
	}
	return nil
}

func validateReplay(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(c, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	return orch.Validate(context.Background())
}

// showHistory skips full validation: listing runs needs no credentials.
func showHistory(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(c, cfg)

	orch, err := newOrchestrator(c, cfg)
	if err != nil {
		return err
	}
	defer orch.Close()

	// If --run flag is provided, show details for that specific run
	if runID := c.String("run"); runID != "" {
		return orch.ShowRunDetails(os.Stdout, runID)
	}
	return orch.ShowHistory(os.Stdout)
}

func initSecrets(c *cli.Context) error {
	fmt.Fprintf(c.App.Writer, "# Save as %s\n", secrets.GetSecretsPath())
	fmt.Fprint(c.App.Writer, secrets.GenerateTemplate())
	return nil
}

// outputJSON writes v as JSON to stdout and/or the output file, as
// requested by the global flags.
func outputJSON(c *cli.Context, v any) error {
	toStdout := c.Bool("output-json")
	outFile := c.String("output-file")
	if !toStdout && outFile == "" {
		return nil
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	data = append(data, '\n')

	if toStdout {
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
	if outFile != "" {
		if err := os.WriteFile(outFile, data, 0o644); err != nil {
			return fmt.Errorf("writing result file: %w", err)
		}
	}
	return nil
}
