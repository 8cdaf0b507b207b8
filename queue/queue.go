// Package queue provides the per-topic delivery queues drained by the bus
// dispatch loop.
//
// The default Memory queue is an unbounded in-process FIFO. The Redis, NATS,
// and Kafka queues let a deployment layer an external broker underneath the
// bus without changing its contract: the bus still matches and dispatches
// locally, the broker only carries the envelopes between processes.
//
// All implementations preserve publish order within a topic. After Close,
// Dequeue returns locally held envelopes and then ErrClosed; broker-backed
// queues leave their remote backlog with the broker for redelivery.
package queue

import (
	"context"
	"errors"

	"github.com/rbaliyan/eventbus/envelope"
)

// Queue errors
var (
	// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
	// queue is closed and fully drained.
	ErrClosed = errors.New("queue closed")
)

// Queue is an ordered delivery queue for a single topic.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue appends an envelope. It never blocks on consumers.
	Enqueue(ctx context.Context, env *envelope.Envelope) error

	// Dequeue removes and returns the oldest envelope, blocking until one
	// is available, the context is cancelled, or the queue is closed and
	// drained.
	Dequeue(ctx context.Context) (*envelope.Envelope, error)

	// Len returns the number of pending envelopes. Broker-backed queues
	// report a best-effort value.
	Len() int

	// Close stops accepting new envelopes. Already queued envelopes remain
	// dequeuable until drained.
	Close(ctx context.Context) error
}

// Factory builds the queue backing a topic. The bus calls it once per topic,
// on first use.
type Factory func(topic string) (Queue, error)
