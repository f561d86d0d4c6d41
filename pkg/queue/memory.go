package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xhad/sift/internal/models"
)

const (
	DefaultName         = "ingestion_queue"
	DefaultBlockTimeout = 5 * time.Second
)

// ErrClosed is returned by a closed MemoryQueue.
var ErrClosed = errors.New("queue closed")

// MemoryQueue is an in-process FIFO with the same blocking semantics as
// RedisQueue. Jobs do not survive the process.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []models.Job
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.jobs = append(q.jobs, job)
	q.signal()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (models.Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			// Wake the next waiter if more work is left.
			if len(q.jobs) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return models.Job{}, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return models.Job{}, ctx.Err()
		}
	}
}

// Len returns the number of waiting jobs.
func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
