package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventbus/archive"
	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/queue"
)

// Bus lifecycle states
const (
	statusStopped int32 = iota
	statusRunning
	statusClosed
)

const otelName = "github.com/rbaliyan/eventbus"

// Handler processes a delivered envelope. A returned error is reported
// through the bus error handler and never reaches other handlers or the
// publisher. Handlers run concurrently; they may publish new envelopes.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// subscription pairs a type pattern with a handler on one topic.
type subscription struct {
	id      string
	pattern string
	topic   string
	handler Handler
}

// topicState owns a topic's delivery queue and its dispatch loop.
type topicState struct {
	name    string
	queue   queue.Queue
	running bool
}

// Bus routes envelopes from publishers to pattern subscriptions through
// per-topic delivery queues. Publish never blocks on delivery; a dispatch
// loop per topic drains its queue and invokes every matching handler as an
// independent goroutine.
//
// Lifecycle: a new bus is stopped. Start begins dispatch, Stop pauses it
// leaving queued envelopes intact, and Shutdown drains outstanding work and
// permanently closes the bus. Publishing while stopped is accepted; the
// backlog is drained on the next Start.
type Bus struct {
	cfg    *config
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	topics map[string]*topicState

	status     int32
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
	handlerWG  sync.WaitGroup

	published metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a stopped bus. Call Start to begin dispatching.
func New(opts ...Option) *Bus {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	b := &Bus{
		cfg:    cfg,
		logger: cfg.logger.With("component", "bus>"+cfg.name),
		subs:   make(map[string]*subscription),
		topics: make(map[string]*topicState),
	}

	if cfg.metricsEnabled {
		meter := otel.Meter(otelName)
		b.published, _ = meter.Int64Counter("eventbus.published",
			metric.WithDescription("Envelopes published"))
		b.delivered, _ = meter.Int64Counter("eventbus.delivered",
			metric.WithDescription("Envelopes delivered to handlers"))
		b.failed, _ = meter.Int64Counter("eventbus.handler_failures",
			metric.WithDescription("Handler failures during dispatch"))
	}

	return b
}

// Subscribe registers a handler for envelopes whose type matches the glob
// pattern, scoped to a topic (DefaultTopic when omitted). It returns a
// subscription id for Unsubscribe. Multiple subscriptions may share a
// pattern; each matching handler sees every matching envelope exactly once
// per dispatch.
func (b *Bus) Subscribe(pattern string, handler Handler, topic ...string) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	if pattern == "" {
		return "", ErrEmptyPattern
	}
	if atomic.LoadInt32(&b.status) == statusClosed {
		return "", ErrBusClosed
	}

	name := topicName(topic)
	if _, err := b.topic(name); err != nil {
		return "", err
	}

	sub := &subscription{
		id:      envelope.NewID(),
		pattern: pattern,
		topic:   name,
		handler: handler,
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscribed", "subscription", sub.id, "pattern", pattern, "topic", name)
	return sub.id, nil
}

// Unsubscribe removes a subscription. It is a no-op if the id is unknown or
// already removed. An envelope matched before removal took effect may still
// be delivered to the handler; delivery to late unsubscribers is best
// effort, not exactly-once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		b.logger.Debug("unsubscribed", "subscription", id)
	}
}

// Publish validates the envelope and appends it to the addressed topic's
// queue, returning immediately. Delivery is decoupled from publish: while
// the bus is stopped the envelope stays queued until Start.
func (b *Bus) Publish(ctx context.Context, env *envelope.Envelope, topic ...string) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if atomic.LoadInt32(&b.status) == statusClosed {
		return ErrBusClosed
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if b.cfg.limiter != nil && !b.cfg.limiter.Allow() {
		return ErrRateLimited
	}

	name := topicName(topic)
	t, err := b.topic(name)
	if err != nil {
		return err
	}

	if b.cfg.tracingEnabled {
		var span trace.Span
		ctx, span = otel.Tracer(otelName).Start(ctx, env.Type+".publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("event.id", env.ID),
				attribute.String("event.type", env.Type),
				attribute.String("event.topic", name),
			))
		defer span.End()
	}

	if err := t.queue.Enqueue(ctx, env); err != nil {
		return err
	}

	if b.published != nil {
		b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", name)))
	}
	if b.cfg.archive != nil {
		go b.archiveEnvelope(env, name)
	}

	b.logger.Debug("published", "envelope", env.ID, "type", env.Type, "topic", name)
	return nil
}

// Start begins dispatching queued envelopes. Idempotent on a running bus.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&b.status, statusStopped, statusRunning) {
		if atomic.LoadInt32(&b.status) == statusClosed {
			return ErrBusClosed
		}
		return nil
	}

	b.loopCtx, b.loopCancel = context.WithCancel(context.Background())
	for _, t := range b.topics {
		b.startTopic(t)
	}

	b.logger.Info("bus started", "topics", len(b.topics))
	return nil
}

// Stop pauses dispatch and waits for in-flight handlers to return. Queued
// envelopes are kept and drained on the next Start. Idempotent.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !atomic.CompareAndSwapInt32(&b.status, statusRunning, statusStopped) {
		b.mu.Unlock()
		return nil
	}
	cancel := b.loopCancel
	for _, t := range b.topics {
		t.running = false
	}
	b.mu.Unlock()

	cancel()
	b.loopWG.Wait()
	b.handlerWG.Wait()

	b.logger.Info("bus stopped")
	return nil
}

// Shutdown permanently closes the bus. On a running bus it stops accepting
// publishes, drains every topic queue through the dispatch loops, and waits
// for in-flight handlers, honoring the context deadline. On a stopped bus
// there is no loop to drain through, so queued envelopes are discarded with
// a logged count. Idempotent.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	prev := atomic.SwapInt32(&b.status, statusClosed)
	if prev == statusClosed {
		b.mu.Unlock()
		return nil
	}
	topics := make([]*topicState, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	cancel := b.loopCancel
	b.mu.Unlock()

	if prev == statusStopped {
		var discarded int
		for _, t := range topics {
			discarded += t.queue.Len()
			t.queue.Close(ctx)
		}
		if discarded > 0 {
			b.logger.Warn("discarded queued envelopes on shutdown of stopped bus", "count", discarded)
		}
		b.logger.Info("bus shut down")
		return nil
	}

	// Closing the queues lets each loop drain its backlog and exit.
	var errs []error
	for _, t := range topics {
		if err := t.queue.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := waitGroup(ctx, &b.loopWG); err != nil {
		cancel()
		return err
	}
	if err := waitGroup(ctx, &b.handlerWG); err != nil {
		cancel()
		return err
	}
	cancel()

	b.logger.Info("bus shut down")
	return errors.Join(errs...)
}

// topic returns the state for a topic, creating its queue on first use.
// A topic created while the bus is running gets its loop started.
func (b *Bus) topic(name string) (*topicState, error) {
	b.mu.RLock()
	t := b.topics[name]
	b.mu.RUnlock()
	if t != nil {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[name]; t != nil {
		return t, nil
	}

	q, err := b.cfg.queueFactory(name)
	if err != nil {
		return nil, err
	}
	t = &topicState{name: name, queue: q}
	b.topics[name] = t

	if atomic.LoadInt32(&b.status) == statusRunning {
		b.startTopic(t)
	}
	return t, nil
}

// startTopic launches the topic's dispatch loop. Caller holds b.mu.
func (b *Bus) startTopic(t *topicState) {
	if t.running {
		return
	}
	t.running = true
	b.loopWG.Add(1)
	go b.runTopic(b.loopCtx, t)
}

// archiveEnvelope records a published envelope, best effort.
func (b *Bus) archiveEnvelope(env *envelope.Envelope, topic string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &archive.Record{
		ID:          envelope.NewID(),
		EventID:     env.ID,
		EventType:   env.Type,
		Topic:       topic,
		UserID:      env.UserID,
		Source:      env.Source,
		Payload:     env.ToMap(),
		PublishedAt: time.Now().UTC(),
	}
	if err := b.cfg.archive.Save(ctx, rec); err != nil && !errors.Is(err, archive.ErrAlreadyExists) {
		b.logger.Warn("archive save failed", "envelope", env.ID, "error", err)
	}
}

func topicName(topic []string) string {
	if len(topic) > 0 && topic[0] != "" {
		return topic[0]
	}
	return DefaultTopic
}

// waitGroup waits for wg, giving up when the context expires.
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
