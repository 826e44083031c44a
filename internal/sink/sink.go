// Package sink implements the destinations records are written to: a Xata
// branch, local JSON or CSV files, or a PostgreSQL schema.
package sink

import (
	"context"
	"errors"

	"github.com/xataio/xtools/internal/record"
	"github.com/xataio/xtools/internal/xata"
)

// ErrUnsupported is returned by sinks that cannot apply link updates.
var ErrUnsupported = errors.New("operation not supported by sink")

// Sink writes batches of records for one run. Failed writes are reported in
// the returned tally and never as an error; the error is reserved for
// cancellation and unsupported operations.
type Sink interface {
	// Name identifies the sink in logs and history.
	Name() string

	// Database reports whether the sink is a database that supports the
	// link backfill pass. File sinks copy every table in one pass.
	Database() bool

	// Write stores full records, inserting or replacing by id.
	Write(ctx context.Context, table string, recs []record.Record) (xata.Tally, error)

	// Patch updates the columns carried by rec on an existing record.
	Patch(ctx context.Context, table string, rec record.Record) (xata.Tally, error)

	// Upsert updates or creates several records in one transaction.
	Upsert(ctx context.Context, table string, recs []record.Record) (xata.Tally, error)

	Close() error
}
