package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/eventbus/codec"
	"github.com/rbaliyan/eventbus/envelope"
)

// RedisClient defines the Redis operations the queue needs.
// Satisfied by *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type RedisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrRedisClientRequired is returned when no Redis client is provided.
var ErrRedisClientRequired = errors.New("redis client is required")

// redisStreamPrefix avoids clashing with user keys in the same database.
const redisStreamPrefix = "evtq:"

// busyGroupErr is the Redis error for an already existing consumer group.
const busyGroupErr = "BUSYGROUP Consumer Group name already exists"

// Redis is a topic queue backed by a Redis Stream with a consumer group.
// Envelopes are persisted in the stream, so a topic's backlog survives
// process restarts; entries are acknowledged as they are dequeued.
type Redis struct {
	client    RedisClient
	stream    string
	group     string
	consumer  string
	codec     codec.Codec
	logger    *slog.Logger
	blockTime time.Duration
	maxLen    int64
	closed    int32
	initGroup sync.Once
	initErr   error
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithRedisCodec sets the envelope codec (default JSON).
func WithRedisCodec(c codec.Codec) RedisOption {
	return func(q *Redis) {
		if c != nil {
			q.codec = c
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(q *Redis) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithRedisGroup sets the consumer group name. Processes sharing a group
// compete for entries; use distinct groups for independent buses.
func WithRedisGroup(group string) RedisOption {
	return func(q *Redis) {
		if group != "" {
			q.group = group
		}
	}
}

// WithRedisBlockTime sets how long each read blocks waiting for entries.
func WithRedisBlockTime(d time.Duration) RedisOption {
	return func(q *Redis) {
		if d > 0 {
			q.blockTime = d
		}
	}
}

// WithRedisMaxLen caps the stream length (approximate trimming on enqueue).
func WithRedisMaxLen(n int64) RedisOption {
	return func(q *Redis) {
		q.maxLen = n
	}
}

// NewRedis creates a Redis Streams queue for the given topic.
func NewRedis(client RedisClient, topic string, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, ErrRedisClientRequired
	}
	q := &Redis{
		client:    client,
		stream:    redisStreamPrefix + topic,
		group:     "eventbus",
		consumer:  envelope.NewID(),
		codec:     codec.Default(),
		logger:    slog.Default().With("component", "queue>redis"),
		blockTime: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// NewRedisFactory returns a Factory producing one Redis queue per topic.
func NewRedisFactory(client RedisClient, opts ...RedisOption) Factory {
	return func(topic string) (Queue, error) {
		return NewRedis(client, topic, opts...)
	}
}

func (q *Redis) isOpen() bool {
	return atomic.LoadInt32(&q.closed) == 0
}

// ensureGroup creates the consumer group (and stream) on first use.
func (q *Redis) ensureGroup(ctx context.Context) error {
	q.initGroup.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && err.Error() != busyGroupErr {
			q.initErr = err
		}
	})
	return q.initErr
}

// Enqueue appends the envelope to the stream.
func (q *Redis) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if !q.isOpen() {
		return ErrClosed
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	data, err := q.codec.Encode(env)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"data": data},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return err
	}
	q.logger.Debug("enqueued", "stream", q.stream, "envelope", env.ID)
	return nil
}

// Dequeue reads the next entry from the consumer group, acknowledging it on
// delivery. Entries that fail to decode are acknowledged and skipped with a
// logged error so one poisoned entry cannot wedge the topic.
func (q *Redis) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	for {
		if !q.isOpen() {
			return nil, ErrClosed
		}
		if err := q.ensureGroup(ctx); err != nil {
			return nil, err
		}

		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, poll again
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !q.isOpen() {
				return nil, ErrClosed
			}
			return nil, err
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
					q.logger.Warn("ack failed", "stream", q.stream, "entry", msg.ID, "error", err)
				}
				raw, ok := msg.Values["data"].(string)
				if !ok {
					q.logger.Error("malformed stream entry", "stream", q.stream, "entry", msg.ID)
					continue
				}
				env, err := q.codec.Decode([]byte(raw))
				if err != nil {
					q.logger.Error("failed to decode entry", "stream", q.stream, "entry", msg.ID, "error", err)
					continue
				}
				return env, nil
			}
		}
	}
}

// Len returns the stream length (best effort, includes delivered entries
// not yet trimmed).
func (q *Redis) Len() int {
	n, err := q.client.XLen(context.Background(), q.stream).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close stops the queue. The stream itself is left in place; the backlog is
// owned by Redis, not this process.
func (q *Redis) Close(ctx context.Context) error {
	atomic.StoreInt32(&q.closed, 1)
	return nil
}

// Ping checks connectivity, for readiness probes.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Compile-time interface check
var _ Queue = (*Redis)(nil)
