package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"

	"github.com/rbaliyan/eventbus/archive"
	"github.com/rbaliyan/eventbus/envelope"
)

func newRunningBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	b := New(opts...)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	return b
}

func newTestEvent(t *testing.T, eventType string) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventType, "user-1",
		envelope.WithSource("bus-test"),
		envelope.WithMetaValue("message", "Hello"),
	)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func waitForEnvelope(t *testing.T, ch <-chan *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
		return nil
	}
}

func expectNoEnvelope(t *testing.T, ch <-chan *envelope.Envelope, wait time.Duration) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery of %s", env.ID)
	case <-time.After(wait):
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 1)
	if _, err := b.Subscribe("test.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	published := newTestEvent(t, "test.event")
	if err := b.Publish(ctx, published); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := waitForEnvelope(t, received)
	if diff := cmp.Diff(published.ToMap(), got.ToMap()); diff != "" {
		t.Errorf("delivered envelope mismatch (-published +received):\n%s", diff)
	}
	expectNoEnvelope(t, received, 100*time.Millisecond)
}

func TestSubscribePatternFiltering(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 4)
	if _, err := b.Subscribe("llm.chat.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, newTestEvent(t, "voice.call.started")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := newTestEvent(t, "llm.chat.request")
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := waitForEnvelope(t, received)
	if got.ID != want.ID {
		t.Errorf("delivered %s, want %s", got.ID, want.ID)
	}
	expectNoEnvelope(t, received, 100*time.Millisecond)
}

func TestHandlerIsolation(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 2)
	if _, err := b.Subscribe("test.*", func(_ context.Context, _ *envelope.Envelope) error {
		panic("handler exploded")
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe("test.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForEnvelope(t, received)

	// The bus must keep dispatching after the panic.
	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish after panic: %v", err)
	}
	waitForEnvelope(t, received)
}

func TestErrorHandlerCallback(t *testing.T) {
	handlerErrs := make(chan error, 1)
	b := newRunningBus(t, WithErrorHandler(func(_ *envelope.Envelope, err error) {
		handlerErrs <- err
	}))
	ctx := context.Background()

	wantErr := errors.New("downstream unavailable")
	subID, err := b.Subscribe("test.*", func(_ context.Context, _ *envelope.Envelope) error {
		return wantErr
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-handlerErrs:
		if !IsHandlerError(err) {
			t.Fatalf("error %v is not a HandlerError", err)
		}
		var herr *HandlerError
		errors.As(err, &herr)
		if herr.EventType != "test.event" {
			t.Errorf("EventType = %q, want test.event", herr.EventType)
		}
		if herr.SubscriptionID != subID {
			t.Errorf("SubscriptionID = %q, want %q", herr.SubscriptionID, subID)
		}
		if !errors.Is(err, wantErr) {
			t.Errorf("HandlerError does not wrap the handler's error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler callback")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 1)
	subID, err := b.Subscribe("test.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Unsubscribe(subID)
	b.Unsubscribe(subID) // repeat removal is a no-op

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expectNoEnvelope(t, received, 200*time.Millisecond)
}

func TestPublishWhileStopped(t *testing.T) {
	b := New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 1)
	if _, err := b.Subscribe("test.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Accepted and queued, not drained.
	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish on stopped bus: %v", err)
	}
	expectNoEnvelope(t, received, 200*time.Millisecond)

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForEnvelope(t, received)
}

func TestStopAndRestart(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 2)
	if _, err := b.Subscribe("test.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitForEnvelope(t, received)

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("repeat Stop: %v", err)
	}

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish while stopped: %v", err)
	}
	expectNoEnvelope(t, received, 200*time.Millisecond)

	if err := b.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitForEnvelope(t, received)
}

func TestTopicScoping(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	received := make(chan *envelope.Envelope, 2)
	if _, err := b.Subscribe("test.*", func(_ context.Context, env *envelope.Envelope) error {
		received <- env
		return nil
	}, "alpha"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, newTestEvent(t, "test.event"), "beta"); err != nil {
		t.Fatalf("Publish to beta: %v", err)
	}
	expectNoEnvelope(t, received, 200*time.Millisecond)

	want := newTestEvent(t, "test.event")
	if err := b.Publish(ctx, want, "alpha"); err != nil {
		t.Fatalf("Publish to alpha: %v", err)
	}
	got := waitForEnvelope(t, received)
	if got.ID != want.ID {
		t.Errorf("delivered %s, want %s", got.ID, want.ID)
	}
}

func TestHandlerContext(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	type delivery struct {
		eventID   string
		eventType string
		topic     string
		source    string
		subID     string
	}
	got := make(chan delivery, 1)

	subID, err := b.Subscribe("test.*", func(ctx context.Context, _ *envelope.Envelope) error {
		got <- delivery{
			eventID:   ContextEventID(ctx),
			eventType: ContextEventType(ctx),
			topic:     ContextTopic(ctx),
			source:    ContextSource(ctx),
			subID:     ContextSubscriptionID(ctx),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := newTestEvent(t, "test.event")
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-got:
		want := delivery{
			eventID:   env.ID,
			eventType: "test.event",
			topic:     DefaultTopic,
			source:    "bus-test",
			subID:     subID,
		}
		if diff := cmp.Diff(want, d, cmp.AllowUnexported(delivery{})); diff != "" {
			t.Errorf("handler context mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestShutdownDrains(t *testing.T) {
	b := New()
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	var delivered atomic.Int64
	if _, err := b.Subscribe("test.*", func(_ context.Context, _ *envelope.Envelope) error {
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const total = 50
	for i := 0; i < total; i++ {
		if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
			t.Fatalf("Publish(%d): %v", i, err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := delivered.Load(); got != total {
		t.Errorf("delivered %d envelopes, want %d", got, total)
	}
	if err := b.Publish(ctx, newTestEvent(t, "test.event")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after Shutdown = %v, want ErrBusClosed", err)
	}
	if _, err := b.Subscribe("test.*", func(context.Context, *envelope.Envelope) error { return nil }); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Shutdown = %v, want ErrBusClosed", err)
	}
	if err := b.Shutdown(sctx); err != nil {
		t.Errorf("repeat Shutdown: %v", err)
	}
}

func TestShutdownStoppedBusDiscards(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := b.Publish(ctx, newTestEvent(t, "test.event")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after Shutdown = %v, want ErrBusClosed", err)
	}
}

func TestPublishValidation(t *testing.T) {
	b := newRunningBus(t)
	ctx := context.Background()

	if err := b.Publish(ctx, nil); !errors.Is(err, ErrNilEnvelope) {
		t.Errorf("Publish(nil) = %v, want ErrNilEnvelope", err)
	}

	env := newTestEvent(t, "test.event")
	env.UserID = ""
	if err := b.Publish(ctx, env); !envelope.IsValidation(err) {
		t.Errorf("Publish with empty userID = %v, want ValidationError", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	b := newRunningBus(t)

	if _, err := b.Subscribe("test.*", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil handler) = %v, want ErrNilHandler", err)
	}
	if _, err := b.Subscribe("", func(context.Context, *envelope.Envelope) error { return nil }); !errors.Is(err, ErrEmptyPattern) {
		t.Errorf("Subscribe(empty pattern) = %v, want ErrEmptyPattern", err)
	}
}

func TestPublishRateLimit(t *testing.T) {
	b := newRunningBus(t, WithRateLimit(rate.Limit(1), 1))
	ctx := context.Background()

	if err := b.Publish(ctx, newTestEvent(t, "test.event")); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if err := b.Publish(ctx, newTestEvent(t, "test.event")); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Publish = %v, want ErrRateLimited", err)
	}
}

func TestPublishArchives(t *testing.T) {
	store := archive.NewMemoryStore()
	b := newRunningBus(t, WithArchive(store))
	ctx := context.Background()

	env := newTestEvent(t, "test.event")
	if err := b.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Archiving is asynchronous, poll for the record.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, err := store.Get(ctx, env.ID)
		if err == nil {
			if rec.EventType != "test.event" || rec.UserID != "user-1" || rec.Topic != DefaultTopic {
				t.Errorf("record = %+v", rec)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for archive record")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDefaultBus(t *testing.T) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ResetDefault(ctx)
	})

	b1 := Default()
	b2 := Default()
	if b1 != b2 {
		t.Error("Default returned distinct instances")
	}

	ctx := context.Background()
	if err := ResetDefault(ctx); err != nil {
		t.Fatalf("ResetDefault: %v", err)
	}
	if b3 := Default(); b3 == b1 {
		t.Error("Default after ResetDefault returned the old instance")
	}
}
