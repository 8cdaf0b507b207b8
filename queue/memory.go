package queue

import (
	"context"
	"sync"

	"github.com/rbaliyan/eventbus/envelope"
)

// Memory is an unbounded in-process FIFO queue. It is the default topic
// queue: publishing never blocks, and envelopes survive a bus stop/start
// cycle within the same process.
type Memory struct {
	mu     sync.Mutex
	items  []*envelope.Envelope
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// NewMemory creates an in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewMemoryFactory returns a Factory producing one Memory queue per topic.
func NewMemoryFactory() Factory {
	return func(string) (Queue, error) {
		return NewMemory(), nil
	}
}

// Enqueue appends an envelope. Returns ErrClosed after Close.
func (q *Memory) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Dequeue returns the oldest envelope, blocking until one is available.
// After Close it keeps returning queued envelopes until the queue is empty,
// then returns ErrClosed.
func (q *Memory) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Len returns the number of pending envelopes.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting envelopes; queued ones remain dequeuable. Every
// blocked Dequeue wakes up.
func (q *Memory) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	return nil
}

// wake signals a blocked Dequeue without ever blocking the caller.
func (q *Memory) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Compile-time interface check
var _ Queue = (*Memory)(nil)
