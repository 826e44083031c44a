package pipeline

import (
	"fmt"
	"strings"
)

// BackfillStrategy re-establishes the links of tier3 tables once every
// table has been base-copied. A strategy decides what the backfill producer
// reads and how the consumers write it.
type BackfillStrategy interface {
	Name() string
	FetchMode() FetchMode
	WriteMode() WriteMode
}

// Atomic patches each record's links with one request per record.
type Atomic struct{}

func (Atomic) Name() string         { return "atomic" }
func (Atomic) FetchMode() FetchMode { return FetchOnlyLinks }
func (Atomic) WriteMode() WriteMode { return WriteAtomicLinks }

// BulkTransaction groups per-record link upserts into one transaction per
// batch.
type BulkTransaction struct{}

func (BulkTransaction) Name() string         { return "bulk_transaction" }
func (BulkTransaction) FetchMode() FetchMode { return FetchOnlyLinks }
func (BulkTransaction) WriteMode() WriteMode { return WriteLinksTransaction }

// BulkRewrite re-copies every record that has links, all columns included.
type BulkRewrite struct{}

func (BulkRewrite) Name() string         { return "bulk_rewrite" }
func (BulkRewrite) FetchMode() FetchMode { return FetchWithLinks }
func (BulkRewrite) WriteMode() WriteMode { return WriteBulkRewrite }

// ParseBackfill maps a configured backfill method to a strategy. The short
// names are the ones accepted on the command line.
func ParseBackfill(name string) (BackfillStrategy, error) {
	switch strings.ToLower(name) {
	case "transaction", "bulk_transaction", "":
		return BulkTransaction{}, nil
	case "bulk", "bulk_rewrite":
		return BulkRewrite{}, nil
	case "atomic", "atomic_update":
		return Atomic{}, nil
	}
	return nil, fmt.Errorf("unknown backfill method %q (valid: transaction, bulk, atomic)", name)
}
