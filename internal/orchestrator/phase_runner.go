package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xataio/xtools/internal/history"
	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/metrics"
	"github.com/xataio/xtools/internal/pipeline"
)

// Phase is a set of tables replicated concurrently. A phase starts only
// after the previous one has fully joined.
type Phase struct {
	Name   string
	Tables []string
	Job    func(table string) pipeline.Job
}

// TableFailure records a table whose pipeline returned an error.
type TableFailure struct {
	TableName string
	Phase     string
	Error     error
}

// tableError represents a table pipeline failure (internal).
type tableError struct {
	tableName string
	err       error
}

// phaseRunner executes phases with one pipeline per table.
type phaseRunner struct {
	orch     *Orchestrator
	pipeline *pipeline.Pipeline

	mu    sync.Mutex
	stats map[string]*pipeline.Stats
	order []string
}

func newPhaseRunner(o *Orchestrator, p *pipeline.Pipeline) *phaseRunner {
	return &phaseRunner{orch: o, pipeline: p, stats: make(map[string]*pipeline.Stats)}
}

// runAll runs the phases in order. Table failures are collected and the
// run goes on; cancellation and phase timeouts abort it.
func (r *phaseRunner) runAll(ctx context.Context, phases []Phase) ([]TableFailure, error) {
	var failures []TableFailure
	for _, ph := range phases {
		if len(ph.Tables) == 0 {
			logging.Debug("Skipping empty phase %s", ph.Name)
			continue
		}

		r.orch.recordState("update phase", func(s history.Backend) error {
			return s.UpdatePhase(r.orch.runID, ph.Name)
		})

		start := time.Now()
		phaseFailures, err := r.runPhase(ctx, ph)
		metrics.RecordPhase(ph.Name, err, time.Since(start))
		if err != nil {
			r.logTransferProfile()
			return failures, err
		}
		failures = append(failures, phaseFailures...)
		logging.Debug("Phase %s finished in %s", ph.Name, time.Since(start).Round(time.Millisecond))
	}
	r.logTransferProfile()
	return failures, nil
}

// runPhase starts one pipeline per table and waits for all of them. A
// failing table does not cancel its siblings.
func (r *phaseRunner) runPhase(ctx context.Context, ph Phase) ([]TableFailure, error) {
	if timeout := r.orch.config.Replay.PhaseTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logging.Debug("Starting phase %s with %d tables", ph.Name, len(ph.Tables))
	errCh := make(chan tableError, len(ph.Tables))

	var g errgroup.Group
	for _, name := range ph.Tables {
		g.Go(func() error {
			stats, err := r.pipeline.Run(ctx, ph.Job(name))
			r.addStats(name, stats)
			if err != nil {
				errCh <- tableError{tableName: name, err: err}
			}
			return nil
		})
	}
	g.Wait()
	close(errCh)

	failures, err := r.collectFailures(ctx, ph.Name, errCh)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("phase %s exceeded %s: %w", ph.Name, r.orch.config.Replay.PhaseTimeout, err)
	}
	return failures, err
}

// collectFailures gathers and deduplicates table failures.
func (r *phaseRunner) collectFailures(ctx context.Context, phase string, errCh <-chan tableError) ([]TableFailure, error) {
	failedTables := make(map[string]error)
	var order []string

	for te := range errCh {
		if errors.Is(te.err, context.Canceled) || errors.Is(te.err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if _, exists := failedTables[te.tableName]; !exists {
			failedTables[te.tableName] = te.err
			order = append(order, te.tableName)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var failures []TableFailure
	for _, name := range order {
		err := failedTables[name]
		logging.Error("Table %s failed in phase %s: %v", name, phase, err)
		warnNotify(r.orch.notifier.TableReplayFailed(r.orch.runID, name, err))
		failures = append(failures, TableFailure{TableName: name, Phase: phase, Error: err})
	}
	return failures, nil
}

func (r *phaseRunner) addStats(table string, s *pipeline.Stats) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.stats[table]
	if !ok {
		ts = &pipeline.Stats{}
		r.stats[table] = ts
		r.order = append(r.order, table)
	}
	ts.QueryTime += s.QueryTime
	ts.WriteTime += s.WriteTime
	ts.Elapsed += s.Elapsed
	ts.Pages += s.Pages
	ts.Records += s.Records
}

// logTransferProfile logs per-table timing statistics.
func (r *phaseRunner) logTransferProfile() {
	if !logging.IsDebug() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	logging.Debug("\nTransfer Profile (per table):")
	logging.Debug("------------------------------")

	var totalQuery, totalWrite time.Duration
	for _, name := range r.order {
		ts := r.stats[name]
		if ts.Records > 0 {
			logging.Debug("%-25s %s", name, ts.String())
			totalQuery += ts.QueryTime
			totalWrite += ts.WriteTime
		}
	}

	totalTime := totalQuery + totalWrite
	if totalTime > 0 {
		logging.Debug("------------------------------")
		logging.Debug("%-25s query=%.1fs (%.0f%%), write=%.1fs (%.0f%%)",
			"TOTAL",
			totalQuery.Seconds(), float64(totalQuery)/float64(totalTime)*100,
			totalWrite.Seconds(), float64(totalWrite)/float64(totalTime)*100)
	}
}
