package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/xataio/xtools/internal/config"
	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/sink"
	"github.com/xataio/xtools/internal/xata"
)

// Setup failures. Each one aborts the run before any record is copied.
var (
	ErrSourceBranchNotFound = errors.New("source branch not found")
	ErrTargetExists         = errors.New("target already exists")
	ErrSameBranch           = errors.New("source and target branch cannot be the same")
	ErrRegionMismatch       = errors.New("source and target region must match when the database is the same")
	ErrEmptySchema          = errors.New("source branch does not contain any table")
	ErrSchemaMismatch       = errors.New("schema could not be applied to the target")
)

type targetKind int

const (
	targetNewDatabase targetKind = iota
	targetNewBranch
)

// prepared is the outcome of setup: the schema the tiers are computed from
// and the sink every pipeline writes to.
type prepared struct {
	schema *schema.Schema
	sink   sink.Sink
	// paths maps tables to output files for file sinks.
	paths func(table string) string
}

// setup verifies the source, creates the target and returns the sink.
func (o *Orchestrator) setup(ctx context.Context) (*prepared, error) {
	resp, err := o.source.Branch(ctx)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s (status %d)", ErrSourceBranchNotFound, o.source.BaseURL(), resp.StatusCode)
	}

	logging.Info("Retrieving schema from origin %s", o.source.BaseURL())
	src, err := o.source.Schema(ctx)
	if err != nil {
		return nil, err
	}
	if len(src.Tables) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySchema, o.source.BaseURL())
	}

	switch o.config.Output.Target {
	case config.TargetFile:
		return o.setupFile(src)
	case config.TargetPostgres:
		return o.setupPostgres(ctx, src)
	default:
		return o.setupXata(ctx, src)
	}
}

func (o *Orchestrator) resolveTargetKind() (targetKind, error) {
	s, d := o.config.Source, o.config.Destination
	if s.Workspace != d.Workspace || s.Database != d.Database {
		return targetNewDatabase, nil
	}
	if s.Branch == d.Branch {
		return 0, fmt.Errorf("%w: %s", ErrSameBranch, s.Label())
	}
	if s.Region != d.Region {
		return 0, ErrRegionMismatch
	}
	return targetNewBranch, nil
}

func (o *Orchestrator) setupXata(ctx context.Context, src *schema.Schema) (*prepared, error) {
	kind, err := o.resolveTargetKind()
	if err != nil {
		return nil, err
	}

	logging.Info("Creating schema in target %s", o.dest.BaseURL())
	switch kind {
	case targetNewDatabase:
		if err := o.createDatabase(ctx, src); err != nil {
			return nil, err
		}
	case targetNewBranch:
		if err := o.createBranch(ctx); err != nil {
			return nil, err
		}
	}

	dst, err := o.dest.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading target schema: %w", err)
	}
	if src.Equal(dst) {
		logging.Info("Schema has been copied successfully")
	} else {
		logging.Warn("Target schema differs from the origin schema; tiers are computed from the target schema")
	}
	return &prepared{schema: dst, sink: sink.NewXata(o.dest)}, nil
}

func (o *Orchestrator) createDatabase(ctx context.Context, src *schema.Schema) error {
	d := o.config.Destination
	code, err := o.control.CreateDatabase(ctx, d.Region, d.Branch)
	if err != nil {
		return err
	}
	if code == http.StatusUnprocessableEntity {
		return fmt.Errorf("%w: database %s already exists in workspace %s", ErrTargetExists, d.Database, d.Workspace)
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("creating database %s: status %d", d.Database, code)
	}

	// Tables first so that link columns can reference any of them.
	tables := make([]xata.SchemaOp, 0, len(src.Tables))
	var columns []xata.SchemaOp
	for _, t := range src.Tables {
		tables = append(tables, xata.SchemaOp{AddTable: &xata.AddTable{Table: t.Name}})
		for _, c := range t.Columns {
			columns = append(columns, xata.SchemaOp{AddColumn: &xata.AddColumn{Table: t.Name, Column: c}})
		}
	}
	for _, step := range []struct {
		what string
		ops  []xata.SchemaOp
	}{{"tables", tables}, {"columns", columns}} {
		if len(step.ops) == 0 {
			continue
		}
		status, err := o.dest.UpdateSchema(ctx, step.ops)
		if err != nil {
			return err
		}
		if status != "completed" {
			return fmt.Errorf("%w: creating %s returned status %q", ErrSchemaMismatch, step.what, status)
		}
	}
	return nil
}

func (o *Orchestrator) createBranch(ctx context.Context) error {
	resp, err := o.dest.Branch(ctx)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: could not verify that %s does not exist (status %d)", ErrTargetExists, o.dest.BaseURL(), resp.StatusCode)
	}

	code, status, err := o.dest.CreateBranch(ctx, o.config.Source.Branch)
	if err != nil {
		return err
	}
	if code != http.StatusCreated || status != "completed" {
		return fmt.Errorf("creating branch %s from %s: status %d %q", o.dest.BaseURL(), o.config.Source.Branch, code, status)
	}
	return nil
}

func (o *Orchestrator) setupFile(src *schema.Schema) (*prepared, error) {
	fs, err := sink.NewFile(o.config.Output.Path, o.config.Output.Format, src, o.errLog)
	if err != nil {
		return nil, err
	}
	logging.Info("Writing schema to %s%s", o.config.Output.Path, sink.SchemaFile)
	if err := fs.Prepare(); err != nil {
		return nil, err
	}
	return &prepared{schema: src, sink: fs, paths: fs.Path}, nil
}

func (o *Orchestrator) setupPostgres(ctx context.Context, src *schema.Schema) (*prepared, error) {
	pg := o.config.Output.Postgres
	ps, err := sink.NewPostgres(ctx, o.config.PostgresDSN(), pg.Schema, pg.MaxConns, o.errLog)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := ps.Prepare(ctx, src); err != nil {
		ps.Close()
		return nil, err
	}
	return &prepared{schema: src, sink: ps}, nil
}
