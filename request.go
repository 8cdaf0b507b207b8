package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus/envelope"
)

// MetadataRequestID is the metadata key carrying the correlation id that
// pairs a request envelope with its response.
const MetadataRequestID = "request_id"

// Request publishes a request envelope and waits for a response whose type
// matches responsePattern and whose metadata carries the same request_id.
// If the request has no request_id one is generated before publishing.
//
// The response subscription is registered before the request is published,
// so a fast responder cannot race the waiter. Concurrent Request calls with
// distinct correlation ids share the bus without cross-talk; a response
// whose id matches no waiter is ignored by Request subscriptions but still
// reaches ordinary subscribers.
//
// A zero timeout uses the bus default. On timeout the subscription is
// removed and a RequestTimeoutError is returned; a late response is then a
// safe no-op.
func (b *Bus) Request(ctx context.Context, env *envelope.Envelope, responsePattern string, timeout time.Duration, topic ...string) (*envelope.Envelope, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}
	if responsePattern == "" {
		return nil, ErrEmptyPattern
	}
	if timeout <= 0 {
		timeout = b.cfg.requestTimeout
	}

	if env.Metadata == nil {
		env.Metadata = make(map[string]any)
	}
	requestID, _ := env.Metadata[MetadataRequestID].(string)
	if requestID == "" {
		requestID = envelope.NewID()
		env.Metadata[MetadataRequestID] = requestID
	}

	// One-shot completion slot: whichever of response and timeout fires
	// first wins, the loser is a no-op.
	respCh := make(chan *envelope.Envelope, 1)
	var once sync.Once

	subID, err := b.Subscribe(responsePattern, func(_ context.Context, resp *envelope.Envelope) error {
		if id, _ := resp.Metadata[MetadataRequestID].(string); id != requestID {
			return nil
		}
		once.Do(func() { respCh <- resp })
		return nil
	}, topic...)
	if err != nil {
		return nil, err
	}
	defer b.Unsubscribe(subID)

	if err := b.Publish(ctx, env, topic...); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, &RequestTimeoutError{
			Pattern:   responsePattern,
			RequestID: requestID,
			Timeout:   timeout,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
