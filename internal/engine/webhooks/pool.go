package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var ErrPoolFull = errors.New("webhook worker pool queue is full")

// Pool runs delivery processing on a fixed number of workers fed by a
// bounded queue.
type Pool struct {
	queue  chan string
	handle func(ctx context.Context, deliveryID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	queued   atomic.Int64
	dropped  atomic.Int64
	inFlight atomic.Int64
}

func NewPool(workers, queueSize int, handle func(ctx context.Context, deliveryID string)) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan string, queueSize),
		handle: handle,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(id)
		}
	}
}

func (p *Pool) run(deliveryID string) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("delivery_id", deliveryID).Interface("panic", r).Msg("Recovered from panic while processing webhook")
		}
	}()
	p.handle(p.ctx, deliveryID)
}

// Submit queues a delivery without blocking. A full queue is reported with
// ErrPoolFull; the event stays pending for the retry worker.
func (p *Pool) Submit(deliveryID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return context.Canceled
	}
	select {
	case p.queue <- deliveryID:
		p.queued.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrPoolFull
	}
}

// Close stops accepting work and waits for queued deliveries to finish or
// ctx to end, whichever comes first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

type PoolStats struct {
	Queued   int64 `json:"queued"`
	Dropped  int64 `json:"dropped"`
	InFlight int64 `json:"in_flight"`
	Backlog  int   `json:"backlog"`
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Queued:   p.queued.Load(),
		Dropped:  p.dropped.Load(),
		InFlight: p.inFlight.Load(),
		Backlog:  len(p.queue),
	}
}
