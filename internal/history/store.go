// Package history persists runs and their per-table outcomes in a local
// SQLite database so finished replays can be listed and inspected.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning           = "running"
	StatusSuccess           = "success"
	StatusCompletedWithErrs = "completed_with_errors"
	StatusFailed            = "failed"
	StatusInterrupted       = "interrupted"
)

// ErrRunNotFound is returned by GetRunByID for unknown runs.
var ErrRunNotFound = errors.New("run not found")

// Backend is the persistence interface used by the orchestrator.
type Backend interface {
	CreateRun(id, source, target, backfill string, config any) error
	UpdatePhase(runID, phase string) error
	SaveTableResult(runID string, r TableResult) error
	CompleteRun(id, status, errorMsg string, records, links int64) error
	GetAllRuns() ([]Run, error)
	GetRunByID(runID string) (*Run, error)
	GetTableResults(runID string) ([]TableResult, error)
	Close() error
}

var _ Backend = (*Store)(nil)

// Run is one replay invocation.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Phase       string
	Source      string
	Target      string
	Backfill    string
	Records     int64
	Links       int64
	Error       string
	Config      string
}

// Duration returns the run duration, or the time elapsed so far for a run
// that never completed.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// TableResult is the outcome of one table within a run.
type TableResult struct {
	Table   string
	Tier    string
	Records int64
	Links   int64
	Errors  map[string]int
	Status  string
}

// Store is the SQLite implementation of Backend.
type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status       TEXT NOT NULL,
	phase        TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL,
	target       TEXT NOT NULL,
	backfill     TEXT NOT NULL DEFAULT '',
	records      INTEGER NOT NULL DEFAULT 0,
	links        INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	config       TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS table_results (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	table_name TEXT NOT NULL,
	tier       TEXT NOT NULL,
	records    INTEGER NOT NULL,
	links      INTEGER NOT NULL,
	errors     TEXT NOT NULL,
	status     TEXT NOT NULL,
	PRIMARY KEY (run_id, table_name)
);
`

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// Writers from concurrent phases serialize on one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a run. config is stored as JSON.
func (s *Store) CreateRun(id, source, target, backfill string, config any) error {
	cfgJSON := ""
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("encoding run config: %w", err)
		}
		cfgJSON = string(b)
	}
	_, err := s.db.Exec(`INSERT INTO runs (id, started_at, status, source, target, backfill, config)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), StatusRunning, source, target, backfill, cfgJSON)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

func (s *Store) UpdatePhase(runID, phase string) error {
	_, err := s.db.Exec(`UPDATE runs SET phase = ? WHERE id = ?`, phase, runID)
	if err != nil {
		return fmt.Errorf("updating phase: %w", err)
	}
	return nil
}

// SaveTableResult inserts or replaces the outcome of a table.
func (s *Store) SaveTableResult(runID string, r TableResult) error {
	errs := r.Errors
	if errs == nil {
		errs = map[string]int{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encoding error tally: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO table_results (run_id, table_name, tier, records, links, errors, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, table_name) DO UPDATE SET
			tier = excluded.tier, records = excluded.records, links = excluded.links,
			errors = excluded.errors, status = excluded.status`,
		runID, r.Table, r.Tier, r.Records, r.Links, string(b), r.Status)
	if err != nil {
		return fmt.Errorf("saving result of %s: %w", r.Table, err)
	}
	return nil
}

func (s *Store) CompleteRun(id, status, errorMsg string, records, links int64) error {
	_, err := s.db.Exec(`UPDATE runs SET completed_at = ?, status = ?, error = ?, records = ?, links = ? WHERE id = ?`,
		time.Now().UTC(), status, errorMsg, records, links, id)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, status, phase, source, target, backfill, records, links, error, config`

// GetAllRuns returns every run, newest first.
func (s *Store) GetAllRuns() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) GetRunByID(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

func (s *Store) GetTableResults(runID string) ([]TableResult, error) {
	rows, err := s.db.Query(`SELECT table_name, tier, records, links, errors, status
		FROM table_results WHERE run_id = ? ORDER BY tier, table_name`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing table results: %w", err)
	}
	defer rows.Close()

	var results []TableResult
	for rows.Next() {
		var r TableResult
		var errs string
		if err := rows.Scan(&r.Table, &r.Tier, &r.Records, &r.Links, &errs, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning table result: %w", err)
		}
		if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
			r.Errors = map[string]int{}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var completed sql.NullTime
	err := sc.Scan(&r.ID, &r.StartedAt, &completed, &r.Status, &r.Phase, &r.Source,
		&r.Target, &r.Backfill, &r.Records, &r.Links, &r.Error, &r.Config)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
