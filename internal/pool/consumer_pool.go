package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xataio/xtools/internal/logging"
)

// ConsumeFunc is the body of one consumer goroutine. It returns when its
// queue is drained or ctx is done.
type ConsumeFunc func(ctx context.Context, consumerID int) error

// ConsumerPoolConfig holds the configuration for a consumer pool.
type ConsumerPoolConfig struct {
	Table        string
	NumConsumers int
	Consume      ConsumeFunc
}

// ConsumerPool runs a fixed number of consumers for one table. The first
// consumer error cancels the siblings.
type ConsumerPool struct {
	table        string
	numConsumers int
	consume      ConsumeFunc

	busyTime int64 // atomic, nanoseconds summed over consumers
	running  int32 // atomic
	err      atomic.Pointer[error]

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewConsumerPool creates a pool. NumConsumers below 1 is treated as 1.
func NewConsumerPool(ctx context.Context, cfg ConsumerPoolConfig) *ConsumerPool {
	n := cfg.NumConsumers
	if n < 1 {
		n = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)
	return &ConsumerPool{
		table:        cfg.Table,
		numConsumers: n,
		consume:      cfg.Consume,
		ctx:          poolCtx,
		cancel:       cancel,
	}
}

// Start launches the consumers. Calling it more than once has no effect.
func (p *ConsumerPool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.numConsumers; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

func (p *ConsumerPool) run(id int) {
	defer p.wg.Done()
	atomic.AddInt32(&p.running, 1)
	defer atomic.AddInt32(&p.running, -1)

	start := time.Now()
	err := p.consume(p.ctx, id)
	atomic.AddInt64(&p.busyTime, int64(time.Since(start)))

	if err != nil {
		logging.Debug("consumer %d for %s stopped: %v", id, p.table, err)
		p.err.CompareAndSwap(nil, &err)
		p.cancel()
	}
}

// Wait blocks until every consumer has returned and reports the first error.
func (p *ConsumerPool) Wait() error {
	p.wg.Wait()
	p.cancel()
	return p.Error()
}

// Error returns the first consumer error, if any.
func (p *ConsumerPool) Error() error {
	if err := p.err.Load(); err != nil {
		return *err
	}
	return nil
}

// Running returns the number of consumers still running.
func (p *ConsumerPool) Running() int {
	return int(atomic.LoadInt32(&p.running))
}

// BusyTime returns the time consumers spent running, summed.
func (p *ConsumerPool) BusyTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&p.busyTime))
}

// NumConsumers returns the configured consumer count.
func (p *ConsumerPool) NumConsumers() int {
	return p.numConsumers
}
