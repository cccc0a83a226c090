package jobs

import (
	"context"
	"sync"
)

// MemoryQueue is a bounded in-process queue. Jobs are lost on restart; use
// RedisQueue when deliveries must survive one.
type MemoryQueue struct {
	mu        sync.Mutex
	ch        chan Job
	pending   map[string]struct{}
	active    int64
	completed int64
	failed    int64
	done      chan struct{}
	closeOnce sync.Once
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		ch:      make(chan Job, capacity),
		pending: map[string]struct{}{},
		done:    make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	if _, ok := q.pending[job.ID]; ok {
		return ErrDuplicate
	}
	select {
	case q.ch <- job:
		q.pending[job.ID] = struct{}{}
		return nil
	default:
		return ErrFull
	}
}

func (q *MemoryQueue) Next(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, ErrClosed
	case job := <-q.ch:
		q.mu.Lock()
		q.active++
		q.mu.Unlock()
		return job, nil
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, job Job, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, job.ID)
	if q.active > 0 {
		q.active--
	}
	if success {
		q.completed++
	} else {
		q.failed++
	}
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// pending holds every job from Enqueue until Ack, so a job taken off the
	// channel is never invisible to Stats.
	waiting := int64(len(q.pending)) - q.active
	if waiting < 0 {
		waiting = 0
	}
	return Stats{Waiting: waiting, Active: q.active, Completed: q.completed, Failed: q.failed}, nil
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
