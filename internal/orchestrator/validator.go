package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xataio/xtools/internal/config"
	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/sink"
)

// ValidationTimeout is the maximum time to wait for a single table's count.
const ValidationTimeout = 30 * time.Second

// ErrValidationFailed is returned when source and target counts differ.
var ErrValidationFailed = errors.New("validation failed")

// counter returns the record count of a table on one side of the run.
type counter interface {
	Count(ctx context.Context, table string) (int64, error)
}

// tableValidationResult holds the result of validating a single table.
type tableValidationResult struct {
	tableName   string
	sourceCount int64
	targetCount int64
	err         error
	timedOut    bool
}

// Validate compares the record count of every source table with the
// target, in parallel. File targets cannot be validated.
func (o *Orchestrator) Validate(ctx context.Context) error {
	target, err := o.targetCounter(ctx)
	if err != nil {
		return err
	}

	src, err := o.source.Schema(ctx)
	if err != nil {
		return fmt.Errorf("reading source schema: %w", err)
	}

	logging.Info("\nValidation Results:")
	logging.Info("-------------------")

	results := make(chan tableValidationResult, len(src.Tables))
	var wg sync.WaitGroup
	for _, t := range src.Tables {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			results <- o.validateTable(ctx, target, name)
		}(t.Name)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var allResults []tableValidationResult
	for result := range results {
		allResults = append(allResults, result)
	}
	sort.Slice(allResults, func(i, j int) bool {
		return allResults[i].tableName < allResults[j].tableName
	})

	var failed bool
	for _, r := range allResults {
		switch {
		case r.timedOut:
			logging.Warn("%-30s TIMEOUT (validation skipped after %v)", r.tableName, ValidationTimeout)
		case r.err != nil:
			logging.Error("%-30s ERROR: %v", r.tableName, r.err)
			failed = true
		case r.targetCount == r.sourceCount:
			logging.Info("%-30s OK %d records", r.tableName, r.targetCount)
		default:
			logging.Error("%-30s FAIL source=%d target=%d (diff=%d)",
				r.tableName, r.sourceCount, r.targetCount, r.sourceCount-r.targetCount)
			failed = true
		}
	}

	if failed {
		return ErrValidationFailed
	}
	return nil
}

// validateTable counts one table on both sides, each with its own timeout.
func (o *Orchestrator) validateTable(ctx context.Context, target counter, table string) tableValidationResult {
	result := tableValidationResult{tableName: table}

	srcCtx, cancel := context.WithTimeout(ctx, ValidationTimeout)
	defer cancel()
	sourceCount, srcErr := o.source.Count(srcCtx, table)
	srcTimedOut := errors.Is(srcCtx.Err(), context.DeadlineExceeded)

	tgtCtx, cancel2 := context.WithTimeout(ctx, ValidationTimeout)
	defer cancel2()
	targetCount, tgtErr := target.Count(tgtCtx, table)
	tgtTimedOut := errors.Is(tgtCtx.Err(), context.DeadlineExceeded)

	switch {
	case srcErr == nil && tgtErr == nil:
		result.sourceCount = sourceCount
		result.targetCount = targetCount
	case srcTimedOut || tgtTimedOut:
		result.timedOut = true
	case srcErr != nil:
		result.err = fmt.Errorf("source count: %w", srcErr)
	default:
		result.err = fmt.Errorf("target count: %w", tgtErr)
	}
	return result
}

func (o *Orchestrator) targetCounter(ctx context.Context) (counter, error) {
	switch o.config.Output.Target {
	case config.TargetFile:
		return nil, errors.New("file output cannot be validated")
	case config.TargetPostgres:
		if o.pg == nil {
			pg := o.config.Output.Postgres
			ps, err := sink.NewPostgres(ctx, o.config.PostgresDSN(), pg.Schema, pg.MaxConns, o.errLog)
			if err != nil {
				return nil, fmt.Errorf("connecting to postgres: %w", err)
			}
			o.pg = ps
		}
		return o.pg, nil
	default:
		return o.dest, nil
	}
}
