package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hypermarkets/oracle-runner/observability"
)

// ErrQueueFull is returned by Submit when the intake buffer is saturated.
var ErrQueueFull = errors.New("execution queue full")

const queueBuffer = 256

// Queue is a fixed-size worker pool with a rate cap on task starts so a
// burst of simultaneously-due jobs cannot stampede the downstream RPC and
// data sources.
type Queue struct {
	tasks   chan func()
	limiter *rate.Limiter
	workers int

	wg     sync.WaitGroup
	active atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewQueue builds a queue with the given worker count. Task starts are
// capped at 2*workers per second.
func NewQueue(workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		tasks:   make(chan func(), queueBuffer),
		limiter: rate.NewLimiter(rate.Limit(2*workers), workers),
		workers: workers,
	}
}

// Start launches the workers. Workers exit when the context is cancelled or
// the queue is drained.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			q.active.Add(1)
			observability.QueueActive.Set(float64(q.active.Load()))
			task()
			q.active.Add(-1)
			observability.QueueActive.Set(float64(q.active.Load()))
			observability.QueueDepth.Set(float64(len(q.tasks)))
		}
	}
}

// Submit enqueues a task for execution. Non-blocking; a full buffer is
// reported to the caller instead of stalling timer callbacks.
func (q *Queue) Submit(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("execution queue closed")
	}
	select {
	case q.tasks <- task:
		observability.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports the number of buffered, not-yet-started tasks.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Active reports the number of tasks currently running.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// Workers reports the configured worker count.
func (q *Queue) Workers() int {
	return q.workers
}

// Drain stops intake, discards buffered tasks and waits up to timeout for
// in-flight tasks to finish. Returns false if the timeout elapsed with work
// still running.
func (q *Queue) Drain(timeout time.Duration) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}
	q.closed = true

	// Discard anything not yet started; those jobs stay persisted as
	// SCHEDULED and come back on the next Initialize.
	discarded := 0
drain:
	for {
		select {
		case <-q.tasks:
			discarded++
		default:
			break drain
		}
	}
	close(q.tasks)
	q.mu.Unlock()

	if discarded > 0 {
		log.Printf("[QUEUE] discarded %d pending tasks on drain", discarded)
	}
	observability.QueueDepth.Set(0)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Printf("[QUEUE] drain timeout after %s with %d tasks still running", timeout, q.active.Load())
		return false
	}
}
