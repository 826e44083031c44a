package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xataio/xtools/internal/config"
	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/pipeline"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/sink"
)

// HealthCheckResult reports the reachability of both ends of a run.
type HealthCheckResult struct {
	Timestamp        string `json:"timestamp"`
	Source           string `json:"source"`
	Target           string `json:"target"`
	SourceConnected  bool   `json:"source_connected"`
	SourceTableCount int    `json:"source_table_count"`
	SourceLatencyMs  int64  `json:"source_latency_ms"`
	SourceError      string `json:"source_error,omitempty"`
	TargetConnected  bool   `json:"target_connected"`
	// TargetExists is set when the target branch already exists, which
	// makes a run against it fail.
	TargetExists    bool   `json:"target_exists"`
	TargetLatencyMs int64  `json:"target_latency_ms"`
	TargetError     string `json:"target_error,omitempty"`
	Healthy         bool   `json:"healthy"`
}

// HealthCheck tests connectivity to the source and the target.
// Both checks run in parallel with independent timeouts so that one slow
// endpoint does not eat the budget of the other.
func (o *Orchestrator) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	result := &HealthCheckResult{
		Timestamp: time.Now().Format(time.RFC3339),
		Source:    o.config.Source.Label(),
		Target:    o.config.Target(),
	}

	const checkTimeout = 30 * time.Second

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sourceStart := time.Now()
		sourceCtx, sourceCancel := context.WithTimeout(ctx, checkTimeout)
		defer sourceCancel()

		resp, err := o.source.Branch(sourceCtx)
		switch {
		case err != nil:
			result.SourceError = err.Error()
		case resp.StatusCode != http.StatusOK:
			result.SourceError = fmt.Sprintf("branch %s returned status %d", o.source.BaseURL(), resp.StatusCode)
		default:
			result.SourceConnected = true
			if s, err := schema.Decode(resp.Body); err == nil {
				result.SourceTableCount = len(s.Tables)
			}
		}
		result.SourceLatencyMs = time.Since(sourceStart).Milliseconds()
	}()

	go func() {
		defer wg.Done()
		targetStart := time.Now()
		targetCtx, targetCancel := context.WithTimeout(ctx, checkTimeout)
		defer targetCancel()

		o.checkTarget(targetCtx, result)
		result.TargetLatencyMs = time.Since(targetStart).Milliseconds()
	}()

	wg.Wait()

	result.Healthy = result.SourceConnected && result.TargetConnected
	return result, nil
}

func (o *Orchestrator) checkTarget(ctx context.Context, result *HealthCheckResult) {
	switch o.config.Output.Target {
	case config.TargetFile:
		result.TargetConnected = true
	case config.TargetPostgres:
		pg := o.config.Output.Postgres
		ps, err := sink.NewPostgres(ctx, o.config.PostgresDSN(), pg.Schema, pg.MaxConns, nil)
		if err != nil {
			result.TargetError = err.Error()
			return
		}
		ps.Close()
		result.TargetConnected = true
	default:
		resp, err := o.dest.Branch(ctx)
		switch {
		case err != nil:
			result.TargetError = err.Error()
		case resp.StatusCode == http.StatusOK:
			result.TargetConnected = true
			result.TargetExists = true
		case resp.StatusCode == http.StatusNotFound:
			result.TargetConnected = true
		default:
			result.TargetError = fmt.Sprintf("branch %s returned status %d", o.dest.BaseURL(), resp.StatusCode)
		}
	}
}

// PlanResult previews a run without copying data.
type PlanResult struct {
	Source       string      `json:"source"`
	Target       string      `json:"target"`
	Backfill     string      `json:"backfill,omitempty"`
	Concurrency  int         `json:"concurrency"`
	BulkSize     int         `json:"bulk_size"`
	PageSize     int         `json:"page_size"`
	TotalTables  int         `json:"total_tables"`
	TotalRecords int64       `json:"total_records"`
	Tables       []PlanTable `json:"tables"`
}

// PlanTable is one table of a plan.
type PlanTable struct {
	Name    string   `json:"name"`
	Tier    string   `json:"tier"`
	Records int64    `json:"records"`
	Links   []string `json:"links,omitempty"`
	// Deferred lists the link columns left empty until the backfill.
	Deferred []string `json:"deferred,omitempty"`
}

// DryRun classifies the source tables and counts their records without
// touching the target.
func (o *Orchestrator) DryRun(ctx context.Context) (*PlanResult, error) {
	logging.Info("Performing dry run (no data will be transferred)...")

	src, err := o.source.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading source schema: %w", err)
	}
	plan := schema.Classify(src)

	result := &PlanResult{
		Source:      o.config.Source.Label(),
		Target:      o.config.Target(),
		Concurrency: o.config.Replay.Concurrency,
		BulkSize:    o.config.Replay.BulkSize,
		PageSize:    o.config.Replay.PageSize,
		TotalTables: plan.Len(),
	}
	if o.config.Output.Target != config.TargetFile {
		strategy, err := pipeline.ParseBackfill(o.config.Replay.Backfill)
		if err != nil {
			return nil, err
		}
		result.Backfill = strategy.Name()
	}

	for _, tier := range schema.Tiers {
		for _, name := range plan.Tables(tier) {
			count, err := o.source.Count(ctx, name)
			if err != nil {
				logging.Warn("Failed to get record count for %s: %v (assuming 0)", name, err)
				count = 0
			}
			result.TotalRecords += count

			t := src.Table(name)
			pt := PlanTable{Name: name, Tier: tier.String(), Records: count, Links: t.LinkColumnNames()}
			strip := stripTier3Links(t, plan)
			for _, c := range pt.Links {
				if tier == schema.Tier3 && strip(c) {
					pt.Deferred = append(pt.Deferred, c)
				}
			}
			result.Tables = append(result.Tables, pt)
		}
	}

	logging.Info("%-30s %-6s %12s  %s", "TABLE", "TIER", "RECORDS", "LINKS")
	for _, t := range result.Tables {
		logging.Info("%-30s %-6s %12d  %v", t.Name, t.Tier, t.Records, t.Links)
	}
	logging.Info("Total: %d tables, %d records", result.TotalTables, result.TotalRecords)
	return result, nil
}
