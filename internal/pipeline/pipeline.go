package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xataio/xtools/internal/logging"
	"github.com/xataio/xtools/internal/pool"
	"github.com/xataio/xtools/internal/report"
	"github.com/xataio/xtools/internal/schema"
	"github.com/xataio/xtools/internal/sink"
)

// Config contains pipeline execution configuration.
type Config struct {
	// PageSize is the number of records per source page.
	PageSize int

	// BulkSize is the number of records per sink batch.
	BulkSize int

	// QueueSize bounds the records in flight per table.
	QueueSize int

	// Concurrency is the number of consumers per table.
	Concurrency int
}

// Job describes one pass over one table.
type Job struct {
	Table *schema.Table
	Fetch FetchMode
	Write WriteMode
	// Strip selects the link columns dropped in WriteNoLinks mode.
	Strip func(column string) bool
}

// Pipeline runs table passes against one source and one sink, reporting
// progress on a shared event channel.
type Pipeline struct {
	source Source
	sink   sink.Sink
	events chan<- report.Event
	config Config
}

// New creates a new Pipeline with defaults applied to zero values.
func New(source Source, snk sink.Sink, events chan<- report.Event, cfg Config) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = 100
	}
	if cfg.QueueSize < cfg.PageSize {
		cfg.QueueSize = cfg.PageSize
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Pipeline{source: source, sink: snk, events: events, config: cfg}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.config }

// Run executes one pass: a producer feeding a bounded queue drained by
// Concurrency consumers. It returns once the producer and every consumer
// have finished.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Stats, error) {
	start := time.Now()
	table := job.Table.Name

	queue, err := pool.NewQueue(table, p.config.QueueSize)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	producer := NewProducer(p.source, job.Table, p.config.PageSize, job.Fetch, queue, p.events)
	g.Go(func() error {
		if err := producer.Run(gctx); err != nil {
			return fmt.Errorf("producer %s: %w", table, err)
		}
		return nil
	})

	consumers := make([]*Consumer, p.config.Concurrency)
	for i := range consumers {
		consumers[i] = NewConsumer(ConsumerConfig{
			ID:       i,
			Table:    table,
			Sink:     p.sink,
			Queue:    queue,
			BulkSize: p.config.BulkSize,
			Mode:     job.Write,
			Events:   p.events,
			Strip:    job.Strip,
		})
	}
	cp := pool.NewConsumerPool(gctx, pool.ConsumerPoolConfig{
		Table:        table,
		NumConsumers: p.config.Concurrency,
		Consume: func(ctx context.Context, id int) error {
			return consumers[id].Run(ctx)
		},
	})
	cp.Start()
	g.Go(func() error {
		if err := cp.Wait(); err != nil {
			return fmt.Errorf("consumer %s: %w", table, err)
		}
		return nil
	})

	err = g.Wait()

	stats := &Stats{
		QueryTime: producer.QueryTime(),
		Pages:     producer.Pages(),
		Elapsed:   time.Since(start),
	}
	for _, c := range consumers {
		stats.WriteTime += c.WriteTime()
		stats.Records += c.Written()
	}
	logging.Debug("%s %s/%s: %s", table, job.Fetch, job.Write, stats)
	return stats, err
}
