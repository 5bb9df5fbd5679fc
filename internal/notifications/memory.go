// internal/notifications/memory.go
package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryQueue runs jobs on a fixed set of in-process workers. Jobs still
// queued when Close is called are delivered; nothing survives a restart.
type MemoryQueue struct {
	handlers *Handlers
	jobs     chan *Job

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryQueue(handlers *Handlers, size int) *MemoryQueue {
	if size <= 0 {
		size = 100
	}
	return &MemoryQueue{
		handlers: handlers,
		jobs:     make(chan *Job, size),
	}
}

// Start launches workers that drain the queue until Close. Workers keep
// the values of ctx but not its cancellation, so shutting down the caller
// does not abort jobs Close is waiting on.
func (q *MemoryQueue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	logrus.WithField("workers", workers).Info("Started notification workers")
}

func (q *MemoryQueue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	for job := range q.jobs {
		if err := q.handlers.Dispatch(ctx, job); err != nil {
			logrus.WithFields(logrus.Fields{
				"worker": id,
				"job_id": job.ID,
			}).Warn("Dropping failed notification job")
		}
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload Payload, timeout time.Duration) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	job := newJob(name, payload, timeout)
	select {
	case q.jobs <- job:
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
	return nil
}
