package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/eventbus/codec"
	"github.com/rbaliyan/eventbus/envelope"
)

// Errors
var (
	ErrKafkaClientRequired = errors.New("kafka client is required")
	ErrKafkaProducerFailed = errors.New("failed to create kafka producer")
	ErrKafkaAutoCommit     = errors.New("kafka: auto-commit must be disabled - set Consumer.Offsets.AutoCommit.Enable = false")
)

// kafkaTopicPrefix avoids clashing with unrelated topics on the cluster.
const kafkaTopicPrefix = "evtq."

// Kafka is a topic queue backed by a Kafka topic and consumer group.
// Offsets are marked only after an envelope has been handed to Dequeue,
// so undelivered envelopes are redelivered after a restart.
//
// Auto-commit must be disabled in the sarama config; with it enabled
// offsets commit regardless of delivery and envelopes can be lost:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false
//	config.Producer.Return.Successes = true
type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	topic    string
	groupID  string
	codec    codec.Codec
	logger   *slog.Logger
	envs     chan *envelope.Envelope
	closed   int32
	done     chan struct{}
	wg       sync.WaitGroup
}

// KafkaOption configures a Kafka queue.
type KafkaOption func(*Kafka)

// WithKafkaCodec sets the envelope codec (default JSON).
func WithKafkaCodec(c codec.Codec) KafkaOption {
	return func(q *Kafka) {
		if c != nil {
			q.codec = c
		}
	}
}

// WithKafkaLogger sets the logger.
func WithKafkaLogger(l *slog.Logger) KafkaOption {
	return func(q *Kafka) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithKafkaGroup sets the consumer group ID.
func WithKafkaGroup(groupID string) KafkaOption {
	return func(q *Kafka) {
		if groupID != "" {
			q.groupID = groupID
		}
	}
}

// WithKafkaBuffer sets the pending envelope buffer size.
func WithKafkaBuffer(n int) KafkaOption {
	return func(q *Kafka) {
		if n > 0 {
			q.envs = make(chan *envelope.Envelope, n)
		}
	}
}

// NewKafka creates a Kafka-backed queue for the given topic, using a
// pre-initialized sarama client. The caller retains ownership of the client
// and is responsible for closing it.
func NewKafka(client sarama.Client, topic string, opts ...KafkaOption) (*Kafka, error) {
	if client == nil {
		return nil, ErrKafkaClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrKafkaAutoCommit
	}

	q := &Kafka{
		client:  client,
		topic:   kafkaTopicPrefix + topic,
		groupID: "eventbus-" + topic,
		codec:   codec.Default(),
		logger:  slog.Default().With("component", "queue>kafka"),
		envs:    make(chan *envelope.Envelope, 256),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrKafkaProducerFailed, err)
	}
	q.producer = producer

	consumer, err := sarama.NewConsumerGroupFromClient(q.groupID, client)
	if err != nil {
		producer.Close()
		return nil, err
	}
	q.consumer = consumer

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.consumeLoop()
	}()

	return q, nil
}

// NewKafkaFactory returns a Factory producing one Kafka queue per topic.
func NewKafkaFactory(client sarama.Client, opts ...KafkaOption) Factory {
	return func(topic string) (Queue, error) {
		return NewKafka(client, topic, opts...)
	}
}

// Enqueue produces the envelope to the topic, keyed by envelope ID.
func (q *Kafka) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if atomic.LoadInt32(&q.closed) != 0 {
		return ErrClosed
	}
	data, err := q.codec.Encode(env)
	if err != nil {
		return err
	}
	_, _, err = q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(env.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return err
	}
	q.logger.Debug("enqueued", "topic", q.topic, "envelope", env.ID)
	return nil
}

// Dequeue returns the next envelope from the consumer group.
func (q *Kafka) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case env, ok := <-q.envs:
		if !ok {
			return nil, ErrClosed
		}
		return env, nil
	case <-q.done:
		select {
		case env := <-q.envs:
			return env, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of locally buffered envelopes.
func (q *Kafka) Len() int {
	return len(q.envs)
}

// Close shuts down the consumer and producer. The underlying client is left
// open for the caller.
func (q *Kafka) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}
	close(q.done)

	var errs []error
	if err := q.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	q.wg.Wait()
	if err := q.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// consumeLoop keeps the consumer group session alive, retrying with
// exponential backoff on errors.
func (q *Kafka) consumeLoop() {
	handler := &kafkaHandler{q: q}

	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-q.done:
			return
		default:
			if err := q.consumer.Consume(context.Background(), []string{q.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				q.logger.Error("consumer error, retrying with backoff", "topic", q.topic, "error", err, "backoff", backoff)
				select {
				case <-q.done:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = 100 * time.Millisecond
		}
	}
}

// kafkaHandler implements sarama.ConsumerGroupHandler
type kafkaHandler struct {
	q *Kafka
}

func (h *kafkaHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *kafkaHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *kafkaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-h.q.done:
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			env, err := h.q.codec.Decode(msg.Value)
			if err != nil {
				h.q.logger.Error("failed to decode message", "error", err,
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
				session.MarkMessage(msg, "")
				continue
			}
			select {
			case h.q.envs <- env:
				session.MarkMessage(msg, "")
			case <-h.q.done:
				return nil
			}
		}
	}
}

// Compile-time checks
var _ Queue = (*Kafka)(nil)
var _ sarama.ConsumerGroupHandler = (*kafkaHandler)(nil)
