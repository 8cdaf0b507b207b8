package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/rbaliyan/eventbus/codec"
	"github.com/rbaliyan/eventbus/envelope"
)

// ErrNATSConnRequired is returned when no NATS connection is provided.
var ErrNATSConnRequired = errors.New("nats connection is required")

// natsSubjectPrefix namespaces bus topics on the NATS subject space.
const natsSubjectPrefix = "evtq."

// NATS is a topic queue bridged over a NATS subject. Enqueue publishes to
// the subject; Dequeue receives from a queue-group subscription, so multiple
// processes sharing a topic split the stream between them.
type NATS struct {
	conn    *nats.Conn
	subject string
	group   string
	codec   codec.Codec
	logger  *slog.Logger
	sub     *nats.Subscription
	msgs    chan *nats.Msg
	closed  int32
	done    chan struct{}
}

// NATSOption configures a NATS queue.
type NATSOption func(*NATS)

// WithNATSCodec sets the envelope codec (default JSON).
func WithNATSCodec(c codec.Codec) NATSOption {
	return func(q *NATS) {
		if c != nil {
			q.codec = c
		}
	}
}

// WithNATSLogger sets the logger.
func WithNATSLogger(l *slog.Logger) NATSOption {
	return func(q *NATS) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithNATSGroup sets the queue group name shared by competing consumers.
func WithNATSGroup(group string) NATSOption {
	return func(q *NATS) {
		if group != "" {
			q.group = group
		}
	}
}

// WithNATSBuffer sets the pending message buffer size.
func WithNATSBuffer(n int) NATSOption {
	return func(q *NATS) {
		if n > 0 {
			q.msgs = make(chan *nats.Msg, n)
		}
	}
}

// NewNATS creates a NATS-backed queue for the given topic.
func NewNATS(conn *nats.Conn, topic string, opts ...NATSOption) (*NATS, error) {
	if conn == nil {
		return nil, ErrNATSConnRequired
	}
	q := &NATS{
		conn:    conn,
		subject: natsSubjectPrefix + topic,
		group:   "eventbus",
		codec:   codec.Default(),
		logger:  slog.Default().With("component", "queue>nats"),
		msgs:    make(chan *nats.Msg, 256),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	sub, err := conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		select {
		case q.msgs <- msg:
		case <-q.done:
		}
	})
	if err != nil {
		return nil, err
	}
	q.sub = sub
	return q, nil
}

// NewNATSFactory returns a Factory producing one NATS queue per topic.
func NewNATSFactory(conn *nats.Conn, opts ...NATSOption) Factory {
	return func(topic string) (Queue, error) {
		return NewNATS(conn, topic, opts...)
	}
}

// Enqueue publishes the envelope on the topic subject.
func (q *NATS) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if atomic.LoadInt32(&q.closed) != 0 {
		return ErrClosed
	}
	data, err := q.codec.Encode(env)
	if err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, data); err != nil {
		return err
	}
	q.logger.Debug("enqueued", "subject", q.subject, "envelope", env.ID)
	return nil
}

// Dequeue receives the next envelope from the subscription. Messages that
// fail to decode are skipped with a logged error.
func (q *NATS) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	for {
		select {
		case msg, ok := <-q.msgs:
			if !ok {
				return nil, ErrClosed
			}
			env, err := q.codec.Decode(msg.Data)
			if err != nil {
				q.logger.Error("failed to decode message", "subject", q.subject, "error", err)
				continue
			}
			return env, nil
		case <-q.done:
			// Drain whatever the handler already buffered.
			select {
			case msg := <-q.msgs:
				env, err := q.codec.Decode(msg.Data)
				if err != nil {
					q.logger.Error("failed to decode message", "subject", q.subject, "error", err)
					continue
				}
				return env, nil
			default:
				return nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of locally buffered messages.
func (q *NATS) Len() int {
	return len(q.msgs)
}

// Close unsubscribes from the subject. Buffered messages remain available to
// Dequeue until drained.
func (q *NATS) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}
	close(q.done)
	if q.sub != nil {
		return q.sub.Unsubscribe()
	}
	return nil
}

// Compile-time interface check
var _ Queue = (*NATS)(nil)
