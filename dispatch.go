package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/match"
	"github.com/rbaliyan/eventbus/queue"
)

// runTopic drains one topic queue until the loop context is cancelled or
// the queue is closed and empty. Envelopes from the same topic reach the
// loop in publish order; handler execution is concurrent and unordered.
func (b *Bus) runTopic(ctx context.Context, t *topicState) {
	defer b.loopWG.Done()
	b.logger.Debug("dispatch loop started", "topic", t.name)

	for {
		env, err := t.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				b.logger.Debug("dispatch loop stopped", "topic", t.name)
				return
			}
			b.logger.Error("dequeue failed", "topic", t.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		b.dispatch(ctx, t.name, env)
	}
}

// dispatch fans one envelope out to every live subscription whose pattern
// matches its type. The matching set is snapshotted before any handler
// runs, so handlers that subscribe or unsubscribe cannot corrupt the fan
// out in progress.
func (b *Bus) dispatch(ctx context.Context, topic string, env *envelope.Envelope) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topic == topic && match.Matches(env.Type, sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		b.logger.Debug("no subscribers", "type", env.Type, "topic", topic)
		return
	}

	for _, sub := range matched {
		b.handlerWG.Add(1)
		go b.invoke(ctx, sub, topic, env)
	}
}

// invoke runs one handler for one envelope, recovering panics and reporting
// failures without disturbing sibling handlers or the dispatch loop.
func (b *Bus) invoke(ctx context.Context, sub *subscription, topic string, env *envelope.Envelope) {
	defer b.handlerWG.Done()

	ctx = contextWithDelivery(ctx, env.ID, env.Type, topic, env.Source, sub.id)

	if b.cfg.tracingEnabled {
		var span trace.Span
		ctx, span = otel.Tracer(otelName).Start(ctx, env.Type+".deliver",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("event.id", env.ID),
				attribute.String("event.type", env.Type),
				attribute.String("event.topic", topic),
				attribute.String("subscription.id", sub.id),
			))
		defer span.End()
	}

	err := b.safeInvoke(ctx, sub, env)
	if err != nil {
		herr := &HandlerError{
			EventType:      env.Type,
			SubscriptionID: sub.id,
			Err:            err,
		}
		b.logger.Error("handler failed", "type", env.Type, "subscription", sub.id, "error", err)
		if b.failed != nil {
			b.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
		}
		b.cfg.onError(env, herr)
		return
	}

	if b.delivered != nil {
		b.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	}
}

// safeInvoke calls the handler, converting a panic into an error when
// recovery is enabled.
func (b *Bus) safeInvoke(ctx context.Context, sub *subscription, env *envelope.Envelope) (err error) {
	if b.cfg.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
	}
	return sub.handler(ctx, env)
}
