// Package pool provides the per-table record queue and the consumer worker
// pool that drains it.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/xataio/xtools/internal/record"
)

// item is a queued record or the stop sentinel.
type item struct {
	rec  record.Record
	stop bool
}

// Queue is a bounded FIFO between one producer and several consumers of the
// same table. The producer closes it by enqueueing a single sentinel; each
// consumer that receives the sentinel puts it back before exiting so its
// siblings observe it too.
type Queue struct {
	table string
	ch    chan item
	once  sync.Once
}

// NewQueue creates a queue holding at most capacity records.
func NewQueue(table string, capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("queue capacity must be at least 1, got %d", capacity)
	}
	return &Queue{table: table, ch: make(chan item, capacity)}, nil
}

// Table returns the table the queue belongs to.
func (q *Queue) Table() string { return q.table }

// Len returns the number of buffered entries, sentinel included.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Put enqueues a record, blocking while the queue is full.
func (q *Queue) Put(ctx context.Context, rec record.Record) error {
	select {
	case q.ch <- item{rec: rec}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close enqueues the sentinel. Only the first call has an effect.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.once.Do(func() {
		select {
		case q.ch <- item{stop: true}:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Get blocks until a record is available. It returns ok == false once the
// sentinel is seen, after putting it back for the other consumers.
func (q *Queue) Get(ctx context.Context) (rec record.Record, ok bool, err error) {
	select {
	case it := <-q.ch:
		if !it.stop {
			return it.rec, true, nil
		}
		// The producer is done, so there is room for the sentinel.
		select {
		case q.ch <- it:
		case <-ctx.Done():
			return record.Record{}, false, ctx.Err()
		}
		return record.Record{}, false, nil
	case <-ctx.Done():
		return record.Record{}, false, ctx.Err()
	}
}
