package eventbus

import (
	"context"
)

const (
	deliveryContextKey contextKey = iota
)

// contextKey
type contextKey int

type deliveryContextData struct {
	eventID   string
	eventType string
	topic     string
	source    string
	subID     string
}

// ContextEventID get envelope id stored in a handler context
func ContextEventID(ctx context.Context) string {
	d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData)
	if ok {
		return d.eventID
	}
	return ""
}

// ContextEventType get envelope type stored in a handler context
func ContextEventType(ctx context.Context) string {
	d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData)
	if ok {
		return d.eventType
	}
	return ""
}

// ContextTopic get topic name stored in a handler context
func ContextTopic(ctx context.Context) string {
	d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData)
	if ok {
		return d.topic
	}
	return ""
}

// ContextSource get envelope source stored in a handler context
func ContextSource(ctx context.Context) string {
	d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData)
	if ok {
		return d.source
	}
	return ""
}

// ContextSubscriptionID get subscription id stored in a handler context
func ContextSubscriptionID(ctx context.Context) string {
	d, ok := ctx.Value(deliveryContextKey).(*deliveryContextData)
	if ok {
		return d.subID
	}
	return ""
}

func contextWithDelivery(ctx context.Context, eventID, eventType, topic, source, subID string) context.Context {
	return context.WithValue(ctx, deliveryContextKey, &deliveryContextData{
		eventID:   eventID,
		eventType: eventType,
		topic:     topic,
		source:    source,
		subID:     subID,
	})
}

// ContextWithDeliveryFromContext copies delivery baggage between contexts,
// for handlers that publish derived envelopes under a fresh context.
func ContextWithDeliveryFromContext(to, from context.Context) context.Context {
	d, ok := from.Value(deliveryContextKey).(*deliveryContextData)
	if ok {
		return context.WithValue(to, deliveryContextKey, d)
	}
	return to
}
