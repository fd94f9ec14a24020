// Package settings owns the per-user settings resource: its JSON codec and
// the in-process queue that serializes every read, write, and reconciliation
// touching it.
package settings

import "context"

// Task is one unit of settings work executed on the queue.
type Task func(ctx context.Context) error

type queued struct {
	ctx   context.Context
	fn    Task
	reply chan error
}

// Queue serializes settings tasks into FIFO order within one process. Each
// task starts only after the previous one settled; a task's error is returned
// to its own caller and never stops the queue.
//
// The guarantee does not extend across processes: two independent clients can
// still race on settings initialization, which reconciliation repairs after
// the fact rather than prevents.
type Queue struct {
	tasks chan queued
	done  chan struct{}
}

// NewQueue starts the queue's worker.
func NewQueue() *Queue {
	q := &Queue{
		tasks: make(chan queued),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Do enqueues the task and waits for its result.
func (q *Queue) Do(ctx context.Context, fn Task) error {
	item := queued{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case q.tasks <- item:
	case <-q.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-item.reply
}

// Close stops the worker. Pending Do calls return context.Canceled.
func (q *Queue) Close() {
	close(q.done)
}

func (q *Queue) run() {
	for {
		select {
		case item := <-q.tasks:
			item.reply <- item.fn(item.ctx)
		case <-q.done:
			return
		}
	}
}
