package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/pool"
	"github.com/xataio/xtools/internal/record"
	"github.com/xataio/xtools/internal/report"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/xata"
)

// FetchMode selects which rows and columns a producer reads.
type FetchMode int

const (
	// FetchAll reads every row with every column.
	FetchAll FetchMode = iota
	// FetchWithLinks reads rows with at least one populated link column,
	// projecting every column.
	FetchWithLinks
	// FetchOnlyLinks reads rows with at least one populated link column,
	// projecting only the linked ids.
	FetchOnlyLinks
)

func (m FetchMode) String() string {
	switch m {
	case FetchAll:
		return "all"
	case FetchWithLinks:
		return "with-links"
	case FetchOnlyLinks:
		return "only-links"
	}
	return "unknown"
}

// Source is the paginated record source.
type Source interface {
	Query(ctx context.Context, table string, req xata.QueryRequest) (*xata.QueryResponse, xata.Tally, error)
}

// Producer scrolls one table and feeds its queue.
type Producer struct {
	source   Source
	table    *schema.Table
	pageSize int
	mode     FetchMode
	queue    *pool.Queue
	events   chan<- report.Event

	queryTime int64 // atomic, nanoseconds
	produced  int64 // atomic
	pages     int64 // atomic
}

// NewProducer creates a producer for one table.
func NewProducer(source Source, table *schema.Table, pageSize int, mode FetchMode, queue *pool.Queue, events chan<- report.Event) *Producer {
	return &Producer{
		source:   source,
		table:    table,
		pageSize: pageSize,
		mode:     mode,
		queue:    queue,
		events:   events,
	}
}

// Run reads pages until the source is exhausted and then closes the queue.
// A page that cannot be fetched ends the table early: the failure is
// reported as an error event and the queue is still closed so that
// consumers drain and exit.
func (p *Producer) Run(ctx context.Context) error {
	cursor := ""
	for {
		req := QueryRequest(p.mode, p.table, p.pageSize, cursor)

		start := time.Now()
		page, tally, err := p.source.Query(ctx, p.table.Name, req)
		atomic.AddInt64(&p.queryTime, int64(time.Since(start)))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Error("Reading %s stopped after %d records: %v", p.table.Name, p.Produced(), err)
			if len(tally) == 0 {
				tally = xata.Tally{"query": 1}
			}
			if err := emit(ctx, p.events, report.Errors(p.table.Name, tally)); err != nil {
				return err
			}
			break
		}
		atomic.AddInt64(&p.pages, 1)

		for _, raw := range page.Records {
			rec, err := record.Normalize(raw, p.table)
			if err != nil {
				logging.Warn("Skipping record: %v", err)
				if err := emit(ctx, p.events, report.Errors(p.table.Name, map[string]int{"normalize": 1})); err != nil {
					return err
				}
				continue
			}
			if err := p.queue.Put(ctx, rec); err != nil {
				return err
			}
			atomic.AddInt64(&p.produced, 1)
		}

		if !page.Meta.Page.More || page.Meta.Page.Cursor == "" {
			break
		}
		cursor = page.Meta.Page.Cursor
	}
	return p.queue.Close(ctx)
}

// Produced returns the number of records queued so far.
func (p *Producer) Produced() int64 { return atomic.LoadInt64(&p.produced) }

// Pages returns the number of pages fetched.
func (p *Producer) Pages() int64 { return atomic.LoadInt64(&p.pages) }

// QueryTime returns the time spent waiting on the source.
func (p *Producer) QueryTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&p.queryTime))
}

// QueryRequest builds the request for one page. The row filter is only sent
// with the first page; later pages carry the cursor, the page size and, in
// only-links mode, the column projection.
func QueryRequest(mode FetchMode, t *schema.Table, pageSize int, cursor string) xata.QueryRequest {
	req := xata.QueryRequest{Page: xata.Page{Size: pageSize, After: cursor}}
	if mode == FetchAll {
		return req
	}

	links := t.LinkColumnNames()
	if cursor == "" {
		req.Filter = xata.AnyExists(links)
	}
	if mode == FetchOnlyLinks {
		req.Columns = make([]string, len(links))
		for i, c := range links {
			req.Columns[i] = c + ".id"
		}
	}
	return req
}

func emit(ctx context.Context, events chan<- report.Event, ev report.Event) error {
	if events == nil {
		return nil
	}
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
