package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xataio/xtools/internal/record"
)

func TestNewQueueRejectsZeroCapacity(t *testing.T) {
	if _, err := NewQueue("t", 0); err == nil {
		t.Error("expected error")
	}
}

func TestQueueSentinelReachesEveryConsumer(t *testing.T) {
	for _, consumers := range []int{1, 2, 5, 10} {
		q, err := NewQueue("posts", 8)
		if err != nil {
			t.Fatal(err)
		}
		ctx := context.Background()

		var received atomic.Int64
		var stopped atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < consumers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					_, ok, err := q.Get(ctx)
					if err != nil {
						t.Errorf("Get: %v", err)
						return
					}
					if !ok {
						stopped.Add(1)
						return
					}
					received.Add(1)
				}
			}()
		}

		for i := 0; i < 100; i++ {
			if err := q.Put(ctx, record.Record{ID: "r"}); err != nil {
				t.Fatal(err)
			}
		}
		q.Close(ctx)
		q.Close(ctx)
		wg.Wait()

		if received.Load() != 100 {
			t.Errorf("consumers=%d: received %d records, want 100", consumers, received.Load())
		}
		if stopped.Load() != int64(consumers) {
			t.Errorf("consumers=%d: %d consumers saw the sentinel", consumers, stopped.Load())
		}
		if q.Len() != 1 {
			t.Errorf("consumers=%d: queue should hold only the residual sentinel, len=%d", consumers, q.Len())
		}
	}
}

func TestQueuePutBlocksWhenFull(t *testing.T) {
	q, _ := NewQueue("t", 1)
	if err := q.Put(context.Background(), record.Record{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Put(ctx, record.Record{ID: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Put on full queue = %v, want deadline exceeded", err)
	}
}

func TestQueueGetCancelled(t *testing.T) {
	q, _ := NewQueue("t", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Get(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Get = %v, want canceled", err)
	}
}

func TestConsumerPoolFirstErrorCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	p := NewConsumerPool(context.Background(), ConsumerPoolConfig{
		Table:        "t",
		NumConsumers: 3,
		Consume: func(ctx context.Context, id int) error {
			if id == 0 {
				return boom
			}
			<-ctx.Done()
			return nil
		},
	})
	p.Start()
	p.Start()

	if err := p.Wait(); !errors.Is(err, boom) {
		t.Errorf("Wait = %v, want boom", err)
	}
	if p.Running() != 0 {
		t.Errorf("running = %d", p.Running())
	}
}

func TestConsumerPoolDefaultsToOneConsumer(t *testing.T) {
	var calls atomic.Int32
	p := NewConsumerPool(context.Background(), ConsumerPoolConfig{
		Consume: func(ctx context.Context, id int) error {
			calls.Add(1)
			return nil
		},
	})
	p.Start()
	if err := p.Wait(); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 || p.NumConsumers() != 1 {
		t.Errorf("calls = %d, consumers = %d", calls.Load(), p.NumConsumers())
	}
}
