// Package queue implements the bounded FIFO job queue C7 sits in front
// of: the fetcher pushes, the runner pops, and a resize replaces the
// whole thing once it has drained (spec.md §4.6/§4.7's resize protocol —
// Go channels have no resize primitive, so C7 builds a fresh one and
// swaps it in rather than growing the old one in place).
package queue

import (
	"context"

	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// Queue is a bounded FIFO of acquired jobs awaiting dispatch.
type Queue struct {
	ch       chan models.Job
	capacity int
}

// New allocates a Queue able to hold capacity jobs without blocking a
// push.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan models.Job, capacity), capacity: capacity}
}

// Push enqueues job, blocking until there is room or ctx is done.
func (q *Queue) Push(ctx context.Context, job models.Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the next job, blocking until one is available or ctx is
// done. ok is false only when ctx ended first.
func (q *Queue) Pop(ctx context.Context) (job models.Job, ok bool) {
	select {
	case job, ok = <-q.ch:
		return job, ok
	case <-ctx.Done():
		return models.Job{}, false
	}
}

// Len reports the number of jobs currently queued, awaiting dispatch.
func (q *Queue) Len() int { return len(q.ch) }

// Cap reports the queue's configured capacity.
func (q *Queue) Cap() int { return q.capacity }
