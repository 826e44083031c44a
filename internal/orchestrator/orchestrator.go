// Package orchestrator runs a replay end to end: it prepares the target,
// classifies the tables into tiers, runs one pipeline per table tier by tier,
// backfills the links of tier3 tables and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/xataio/xtools/internal/config"
	"github.com/xataio/xtools/internal/history"
	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/metrics"
	"github.com/xataio/xtools/internal/metrics/prompush"
	"github.com/xataio/xtools/internal/notify"
	"github.com/xataio/xtools/internal/pipeline"
	"github.com/xataio/xtools/internal/report"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/sink"
	"github.com/xataio/xtools/internal/xata"
)

// eventBuffer is the capacity of the channel shared by every pipeline and
// the reporter.
const eventBuffer = 1000

// Options carries the collaborators of an Orchestrator. Zero values pick
// the defaults.
type Options struct {
	// Out receives the plan, progress lines and summary. Nil means stdout.
	Out io.Writer
	// RunID overrides the generated run identifier.
	RunID string
	// History persists runs. Nil disables run history.
	History history.Backend
	// Notifier defaults to one built from the notification config.
	Notifier *notify.Notifier
	// HTTPClient is shared by every Xata client.
	HTTPClient *http.Client
}

// Orchestrator coordinates a replay.
type Orchestrator struct {
	config   *config.Config
	errLog   *xata.ErrorLog
	source   *xata.Client
	dest     *xata.Client
	control  *xata.Client
	state    history.Backend
	notifier *notify.Notifier
	out      io.Writer
	runID    string

	// pg is the postgres connection opened to validate a postgres target.
	pg *sink.Postgres
}

// New creates an orchestrator for a resolved and validated configuration.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()[:8]
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.New(&cfg.Notifications.Slack)
	}

	errLog := xata.NewErrorLog(cfg.ErrorFile)
	o := &Orchestrator{
		config:   cfg,
		errLog:   errLog,
		state:    opts.History,
		notifier: notifier,
		out:      out,
		runID:    runID,
	}
	o.source = xata.NewClient(xata.Config{
		BaseURL:    cfg.Source.BranchURL(),
		APIKey:     cfg.Source.APIKey,
		HostHeader: cfg.Source.Host(),
		ErrorLog:   errLog,
		HTTPClient: opts.HTTPClient,
	})
	o.dest = xata.NewClient(xata.Config{
		BaseURL:    cfg.Destination.BranchURL(),
		APIKey:     cfg.Destination.APIKey,
		HostHeader: cfg.Destination.Host(),
		ErrorLog:   errLog,
		HTTPClient: opts.HTTPClient,
	})
	o.control = xata.NewClient(xata.Config{
		BaseURL:    cfg.ControlPlaneURL(),
		APIKey:     cfg.Destination.APIKey,
		ErrorLog:   errLog,
		HTTPClient: opts.HTTPClient,
	})

	if cfg.Metrics.PushgatewayURL != "" {
		backend, err := prompush.NewBackend(cfg.Metrics.Job, cfg.Metrics.PushgatewayURL)
		if err != nil {
			return nil, fmt.Errorf("configuring metrics: %w", err)
		}
		metrics.SetBackend(backend)
	}
	return o, nil
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string { return o.runID }

// Close releases the target connection and the history store.
func (o *Orchestrator) Close() error {
	var errs []error
	if o.pg != nil {
		errs = append(errs, o.pg.Close())
		o.pg = nil
	}
	if o.state != nil {
		errs = append(errs, o.state.Close())
	}
	return errors.Join(errs...)
}

// RunResult is the machine readable outcome of a run.
type RunResult struct {
	RunID            string         `json:"run_id"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	DurationSeconds  float64        `json:"duration_seconds"`
	Target           string         `json:"target"`
	Backfill         string         `json:"backfill,omitempty"`
	TablesTotal      int            `json:"tables_total"`
	Records          int64          `json:"records"`
	Links            int64          `json:"links"`
	RecordsPerSecond int64          `json:"records_per_second"`
	Errors           map[string]int `json:"errors,omitempty"`
	ErrorLog         string         `json:"error_log,omitempty"`
	TablesWithErrors []string       `json:"tables_with_errors,omitempty"`
	FailedTables     []string       `json:"failed_tables,omitempty"`
	TableStats       []TableResult  `json:"table_stats"`
	Error            string         `json:"error,omitempty"`
}

// TableResult is the outcome of one table.
type TableResult struct {
	Name    string         `json:"name"`
	Tier    string         `json:"tier"`
	Total   int64          `json:"total"`
	Records int64          `json:"records"`
	Links   int64          `json:"links"`
	Errors  map[string]int `json:"errors,omitempty"`
	Status  string         `json:"status"`
}

// Run executes the replay. The returned result is non-nil whenever the run
// got past argument checks, including failed and interrupted runs.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		RunID:     o.runID,
		Status:    history.StatusRunning,
		StartedAt: start,
		Target:    o.config.Target(),
	}
	logging.Info("Starting run %s", o.runID)

	// File output copies every table in one pass and never backfills.
	var strategy pipeline.BackfillStrategy
	if o.config.Output.Target != config.TargetFile {
		parsed, err := pipeline.ParseBackfill(o.config.Replay.Backfill)
		if err != nil {
			return o.fail(result, start, err)
		}
		strategy = parsed
		result.Backfill = strategy.Name()
	}

	o.recordState("create run", func(s history.Backend) error {
		return s.CreateRun(o.runID, o.config.Source.Label(), o.config.Target(), result.Backfill, o.config.Replay)
	})

	prep, err := o.setup(ctx)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("setup: %w", err))
	}
	defer prep.sink.Close()

	plan := schema.Classify(prep.schema)
	rep := report.New(plan, report.Config{
		Concurrency: o.config.Replay.Concurrency,
		Backfill:    strategy != nil,
		Out:         o.out,
		Progress:    o.config.Replay.ProgressBar,
		Interval:    o.config.Replay.ReportInterval,
		ErrorLog:    o.errLog.Path(),
	})
	rep.PrintPlan(prep.paths)
	if err := rep.Prepare(ctx, o.source); err != nil {
		return o.fail(result, start, err)
	}
	warnNotify(o.notifier.ReplayStarted(o.runID, o.config.Source.Label(), o.config.Target(), plan.Len()))

	events := make(chan report.Event, eventBuffer)
	summaryCh := make(chan *report.Summary, 1)
	// The reporter outlives cancellation so the final summary accounts for
	// every event the pipelines managed to emit.
	go func() {
		summaryCh <- rep.Run(context.WithoutCancel(ctx), events)
	}()

	runner := newPhaseRunner(o, pipeline.New(o.source, prep.sink, events, pipeline.Config{
		PageSize:    o.config.Replay.PageSize,
		BulkSize:    o.config.Replay.BulkSize,
		QueueSize:   o.config.Replay.QueueSize,
		Concurrency: o.config.Replay.Concurrency,
	}))
	failures, runErr := runner.runAll(ctx, o.phases(prep, plan, strategy))
	close(events)
	summary := <-summaryCh

	o.finish(result, start, plan, summary, failures, runErr)
	return result, runErr
}

// phases builds the ordered list of passes. File output is a single pass
// over every table since no cross references are resolved.
func (o *Orchestrator) phases(prep *prepared, plan *schema.Plan, strategy pipeline.BackfillStrategy) []Phase {
	table := func(name string) *schema.Table { return prep.schema.Table(name) }

	if !prep.sink.Database() {
		var all []string
		for _, tier := range schema.Tiers {
			all = append(all, plan.Tables(tier)...)
		}
		return []Phase{{
			Name:   "copy",
			Tables: all,
			Job: func(name string) pipeline.Job {
				return pipeline.Job{Table: table(name), Fetch: pipeline.FetchAll, Write: pipeline.WriteAll}
			},
		}}
	}

	full := func(name string) pipeline.Job {
		return pipeline.Job{Table: table(name), Fetch: pipeline.FetchAll, Write: pipeline.WriteAll}
	}
	phases := []Phase{
		{Name: schema.Tier1.String(), Tables: plan.Tier1, Job: full},
		{Name: schema.Tier2.String(), Tables: plan.Tier2, Job: full},
		{
			Name:   schema.Tier3.String(),
			Tables: plan.Tier3,
			Job: func(name string) pipeline.Job {
				t := table(name)
				return pipeline.Job{
					Table: t,
					Fetch: pipeline.FetchAll,
					Write: pipeline.WriteNoLinks,
					Strip: stripTier3Links(t, plan),
				}
			},
		},
	}
	if strategy != nil {
		phases = append(phases, Phase{
			Name:   "backfill",
			Tables: plan.Tier3,
			Job: func(name string) pipeline.Job {
				return pipeline.Job{Table: table(name), Fetch: strategy.FetchMode(), Write: strategy.WriteMode()}
			},
		})
	}
	return phases
}

// stripTier3Links selects the link columns of t that point at tier3 tables.
// Those targets may not exist yet when t is base-copied.
func stripTier3Links(t *schema.Table, plan *schema.Plan) func(column string) bool {
	return func(column string) bool {
		c, ok := t.Column(column)
		return ok && c.IsLink() && plan.IsTier3(c.Target())
	}
}

func (o *Orchestrator) fail(result *RunResult, start time.Time, err error) (*RunResult, error) {
	status := history.StatusFailed
	if errors.Is(err, context.Canceled) {
		status = history.StatusInterrupted
	}
	result.Status = status
	result.Error = err.Error()
	result.CompletedAt = time.Now()
	result.DurationSeconds = time.Since(start).Seconds()

	logging.Error("Run %s failed: %v", o.runID, err)
	o.recordState("complete run", func(s history.Backend) error {
		return s.CompleteRun(o.runID, status, err.Error(), 0, 0)
	})
	warnNotify(o.notifier.ReplayFailed(o.runID, err, time.Since(start)))
	metrics.Flush()
	return result, err
}

func (o *Orchestrator) finish(result *RunResult, start time.Time, plan *schema.Plan, summary *report.Summary, failures []TableFailure, runErr error) {
	duration := time.Since(start)
	result.CompletedAt = time.Now()
	result.DurationSeconds = duration.Seconds()
	result.TablesTotal = plan.Len()
	result.Records = summary.Records
	result.Links = summary.Links
	if duration > 0 {
		result.RecordsPerSecond = int64(float64(summary.Records) / duration.Seconds())
	}
	if summary.HasErrors() {
		result.Errors = summary.Errors
		result.ErrorLog = o.errLog.Path()
	}

	failed := make(map[string]error, len(failures))
	for _, f := range failures {
		failed[f.TableName] = f.Error
		result.FailedTables = append(result.FailedTables, f.TableName)
	}
	sort.Strings(result.FailedTables)

	for _, t := range summary.Tables {
		status := history.StatusSuccess
		switch {
		case failed[t.Name] != nil:
			status = history.StatusFailed
		case len(t.Errors) > 0:
			status = history.StatusCompletedWithErrs
			result.TablesWithErrors = append(result.TablesWithErrors, t.Name)
		case !t.Done(o.config.Replay.Concurrency):
			status = history.StatusInterrupted
		}
		tr := TableResult{
			Name:    t.Name,
			Tier:    t.Tier.String(),
			Total:   t.Total,
			Records: t.Records,
			Links:   t.Links,
			Errors:  t.Errors,
			Status:  status,
		}
		result.TableStats = append(result.TableStats, tr)
		o.recordState("save table result", func(s history.Backend) error {
			return s.SaveTableResult(o.runID, history.TableResult{
				Table: tr.Name, Tier: tr.Tier, Records: tr.Records, Links: tr.Links, Errors: tr.Errors, Status: tr.Status,
			})
		})
	}

	errMsg := ""
	switch {
	case errors.Is(runErr, context.Canceled):
		result.Status = history.StatusInterrupted
	case runErr != nil:
		result.Status = history.StatusFailed
	case len(result.FailedTables) > 0 || summary.HasErrors():
		result.Status = history.StatusCompletedWithErrs
	default:
		result.Status = history.StatusSuccess
	}
	if runErr != nil {
		errMsg = runErr.Error()
		result.Error = errMsg
	}

	o.recordState("complete run", func(s history.Backend) error {
		return s.CompleteRun(o.runID, result.Status, errMsg, summary.Records, summary.Links)
	})

	switch result.Status {
	case history.StatusSuccess:
		warnNotify(o.notifier.ReplayCompleted(o.runID, start, duration, result.TablesTotal, summary.Records, summary.Links))
	case history.StatusCompletedWithErrs:
		tables := append(append([]string{}, result.FailedTables...), result.TablesWithErrors...)
		errCount := len(result.FailedTables)
		for _, n := range summary.Errors {
			errCount += n
		}
		warnNotify(o.notifier.ReplayCompletedWithErrors(o.runID, start, duration, result.TablesTotal, summary.Records, errCount, tables))
	default:
		warnNotify(o.notifier.ReplayFailed(o.runID, runErr, duration))
	}

	if err := metrics.Flush(); err != nil {
		logging.Warn("Failed to push metrics: %v", err)
	}
	logging.Info("Run %s finished with status %s in %s", o.runID, result.Status, duration.Round(time.Millisecond))
}

// recordState applies fn to the history store. History is best effort: a
// failure is logged and the run goes on.
func (o *Orchestrator) recordState(what string, fn func(history.Backend) error) {
	if o.state == nil {
		return
	}
	if err := fn(o.state); err != nil {
		logging.Warn("Failed to %s in history: %v", what, err)
	}
}

func warnNotify(err error) {
	if err != nil {
		logging.Warn("Failed to send notification: %v", err)
	}
}
