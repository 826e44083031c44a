package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/record"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/xata"
)

// Postgres stores each table as (id text primary key, data jsonb) in one
// PostgreSQL schema. Link backfills merge into the stored document.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	errLog *xata.ErrorLog
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn, pgSchema string, maxConns int, errLog *xata.ErrorLog) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if pgSchema == "" {
		pgSchema = "public"
	}
	return &Postgres{pool: pool, schema: pgSchema, errLog: errLog}, nil
}

func (s *Postgres) Name() string   { return "postgres" }
func (s *Postgres) Database() bool { return true }

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Prepare creates the schema and one table per source table.
func (s *Postgres) Prepare(ctx context.Context, sch *schema.Schema) error {
	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quotePGIdent(s.schema)); err != nil {
		return fmt.Errorf("creating schema %s: %w", s.schema, err)
	}
	for _, t := range sch.Tables {
		if _, err := s.pool.Exec(ctx, createTableSQL(s.schema, t.Name)); err != nil {
			return fmt.Errorf("creating table %s: %w", t.Name, err)
		}
		logging.Debug("Created table %s", qualifyPGTable(s.schema, t.Name))
	}
	return nil
}

// Write replaces whole documents in one batch.
func (s *Postgres) Write(ctx context.Context, table string, recs []record.Record) (xata.Tally, error) {
	return s.sendBatch(ctx, table, upsertReplaceSQL(s.schema, table), recs, false)
}

// Patch merges the record's columns into the stored document.
func (s *Postgres) Patch(ctx context.Context, table string, rec record.Record) (xata.Tally, error) {
	data, err := json.Marshal(rec.Body())
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s: %w", table, rec.ID, err)
	}
	if _, err := s.pool.Exec(ctx, upsertMergeSQL(s.schema, table), rec.ID, string(data)); err != nil {
		return s.failure(ctx, "patch", table, err)
	}
	return xata.Tally{}, nil
}

// Upsert merges a batch of records inside one transaction.
func (s *Postgres) Upsert(ctx context.Context, table string, recs []record.Record) (xata.Tally, error) {
	return s.sendBatch(ctx, table, upsertMergeSQL(s.schema, table), recs, true)
}

// Count returns the number of stored records of a table.
func (s *Postgres) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+qualifyPGTable(s.schema, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

func (s *Postgres) sendBatch(ctx context.Context, table, sql string, recs []record.Record, inTx bool) (xata.Tally, error) {
	batch := &pgx.Batch{}
	for _, r := range recs {
		data, err := json.Marshal(r.Body())
		if err != nil {
			return nil, fmt.Errorf("encoding %s/%s: %w", table, r.ID, err)
		}
		batch.Queue(sql, r.ID, string(data))
	}

	if !inTx {
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return s.failure(ctx, "write", table, err)
		}
		return xata.Tally{}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.failure(ctx, "begin", table, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return s.failure(ctx, "upsert", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.failure(ctx, "commit", table, err)
	}
	return xata.Tally{}, nil
}

// failure turns a statement error into a one-entry tally, unless the run is
// being cancelled.
func (s *Postgres) failure(ctx context.Context, op, table string, err error) (xata.Tally, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.errLog.Write("postgres "+op, qualifyPGTable(s.schema, table), err)
	return xata.Tally{errorCode(err): 1}, nil
}

// errorCode returns the SQLSTATE of a server error, or "pg" otherwise.
func errorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "pg"
}

func createTableSQL(pgSchema, table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, data jsonb NOT NULL DEFAULT '{}'::jsonb)",
		qualifyPGTable(pgSchema, table))
}

func upsertReplaceSQL(pgSchema, table string) string {
	return fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2::jsonb) ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data",
		qualifyPGTable(pgSchema, table))
}

func upsertMergeSQL(pgSchema, table string) string {
	qualified := qualifyPGTable(pgSchema, table)
	return fmt.Sprintf("INSERT INTO %s AS t (id, data) VALUES ($1, $2::jsonb) ON CONFLICT (id) DO UPDATE SET data = t.data || EXCLUDED.data",
		qualified)
}

// quotePGIdent safely quotes a PostgreSQL identifier, escaping embedded quotes.
func quotePGIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func qualifyPGTable(pgSchema, table string) string {
	return quotePGIdent(pgSchema) + "." + quotePGIdent(table)
}
