package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xataio/xtools/internal/pool"
	"github.com/xataio/xtools/internal/record"
	"github.com/xataio/xtools/internal/report"
	"github.com/xataio/xtools/internal/sink"
	"github.com/xataio/xtools/internal/xata"
)

// WriteMode selects how a consumer writes what it dequeues.
type WriteMode int

const (
	// WriteAll writes full records in batches, reported as records.
	WriteAll WriteMode = iota
	// WriteNoLinks writes full records without the links that point to
	// tier3 tables, reported as records.
	WriteNoLinks
	// WriteBulkRewrite rewrites full records in batches, reported as links.
	WriteBulkRewrite
	// WriteAtomicLinks patches each record's links on its own, reported as
	// links.
	WriteAtomicLinks
	// WriteLinksTransaction upserts batches of link updates in one
	// transaction each, reported as links.
	WriteLinksTransaction
)

func (m WriteMode) String() string {
	switch m {
	case WriteAll:
		return "all"
	case WriteNoLinks:
		return "no-links"
	case WriteBulkRewrite:
		return "bulk-rewrite"
	case WriteAtomicLinks:
		return "atomic-links"
	case WriteLinksTransaction:
		return "bulk-links-transaction"
	}
	return "unknown"
}

// Kind returns the counter the mode's writes are reported under.
func (m WriteMode) Kind() report.Kind {
	if m == WriteAll || m == WriteNoLinks {
		return report.KindRecords
	}
	return report.KindLinks
}

// Consumer drains a table queue into the sink.
type Consumer struct {
	id       int
	table    string
	sink     sink.Sink
	queue    *pool.Queue
	bulkSize int
	mode     WriteMode
	events   chan<- report.Event
	// strip decides which link columns WriteNoLinks removes.
	strip func(column string) bool

	writeTime int64 // atomic, nanoseconds
	written   int64 // atomic
	flushes   int64 // atomic
}

// ConsumerConfig holds the configuration of a consumer.
type ConsumerConfig struct {
	ID       int
	Table    string
	Sink     sink.Sink
	Queue    *pool.Queue
	BulkSize int
	Mode     WriteMode
	Events   chan<- report.Event
	Strip    func(column string) bool
}

// NewConsumer creates a consumer. BulkSize below 1 is treated as 1.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.BulkSize < 1 {
		cfg.BulkSize = 1
	}
	strip := cfg.Strip
	if strip == nil {
		strip = func(string) bool { return false }
	}
	return &Consumer{
		id:       cfg.ID,
		table:    cfg.Table,
		sink:     cfg.Sink,
		queue:    cfg.Queue,
		bulkSize: cfg.BulkSize,
		mode:     cfg.Mode,
		events:   cfg.Events,
		strip:    strip,
	}
}

// Run consumes until the sentinel is seen, flushes the trailing partial
// batch and emits the completion marker.
func (c *Consumer) Run(ctx context.Context) error {
	batch := make([]record.Record, 0, c.bulkSize)
	for {
		rec, ok, err := c.queue.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if c.mode == WriteNoLinks {
			rec = rec.WithoutLinks(c.strip)
		}

		if c.mode == WriteAtomicLinks {
			if err := c.patch(ctx, rec); err != nil {
				return err
			}
			continue
		}

		batch = append(batch, rec)
		if len(batch) == c.bulkSize {
			if err := c.flush(ctx, batch); err != nil {
				return err
			}
			batch = make([]record.Record, 0, c.bulkSize)
		}
	}

	if len(batch) > 0 {
		if err := c.flush(ctx, batch); err != nil {
			return err
		}
	}

	done := report.RecordsDone(c.table)
	if c.mode.Kind() == report.KindLinks {
		done = report.LinksDone(c.table)
	}
	return emit(ctx, c.events, done)
}

func (c *Consumer) flush(ctx context.Context, batch []record.Record) error {
	start := time.Now()
	var (
		tally xata.Tally
		err   error
	)
	if c.mode == WriteLinksTransaction {
		tally, err = c.sink.Upsert(ctx, c.table, batch)
	} else {
		tally, err = c.sink.Write(ctx, c.table, batch)
	}
	atomic.AddInt64(&c.writeTime, int64(time.Since(start)))
	if err != nil {
		return err
	}
	atomic.AddInt64(&c.flushes, 1)
	return c.report(ctx, len(batch), tally)
}

func (c *Consumer) patch(ctx context.Context, rec record.Record) error {
	start := time.Now()
	tally, err := c.sink.Patch(ctx, c.table, rec)
	atomic.AddInt64(&c.writeTime, int64(time.Since(start)))
	if err != nil {
		return err
	}
	return c.report(ctx, 1, tally)
}

// report emits the error tally, if any, and then advances the counter by
// the full number of attempted records.
func (c *Consumer) report(ctx context.Context, n int, tally xata.Tally) error {
	atomic.AddInt64(&c.written, int64(n))
	if len(tally) > 0 {
		if err := emit(ctx, c.events, report.Errors(c.table, tally)); err != nil {
			return err
		}
	}
	ev := report.Records(c.table, n)
	if c.mode.Kind() == report.KindLinks {
		ev = report.Links(c.table, n)
	}
	return emit(ctx, c.events, ev)
}

// Written returns the number of records handed to the sink.
func (c *Consumer) Written() int64 { return atomic.LoadInt64(&c.written) }

// Flushes returns the number of batch writes issued.
func (c *Consumer) Flushes() int64 { return atomic.LoadInt64(&c.flushes) }

// WriteTime returns the time spent in sink calls.
func (c *Consumer) WriteTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.writeTime))
}
