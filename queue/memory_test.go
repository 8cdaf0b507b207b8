package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rbaliyan/eventbus/envelope"
)

func newTestEnvelope(t *testing.T, i int) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New("test.event", "user-1",
		envelope.WithSource("queue-test"),
		envelope.WithMetaValue("seq", i),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, newTestEnvelope(t, i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	if got := q.Len(); got != 5 {
		t.Fatalf("Len() = %d, want 5", got)
	}

	for i := 0; i < 5; i++ {
		env, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue(%d): %v", i, err)
		}
		if got := env.Metadata["seq"]; got != i {
			t.Errorf("Dequeue(%d) seq = %v, want %d", i, got, i)
		}
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len() after drain = %d, want 0", got)
	}
}

func TestMemoryDequeueBlocks(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	got := make(chan *envelope.Envelope, 1)
	go func() {
		env, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		got <- env
	}()

	// Give the goroutine time to park on the empty queue.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("Dequeue returned before Enqueue")
	default:
	}

	want := newTestEnvelope(t, 42)
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case env := <-got:
		if env.ID != want.ID {
			t.Errorf("Dequeue ID = %q, want %q", env.ID, want.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked Dequeue to wake")
	}
}

func TestMemoryDequeueContextCancel(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Dequeue err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for cancelled Dequeue")
	}
}

func TestMemoryCloseDrains(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, newTestEnvelope(t, i)); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}

	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := q.Enqueue(ctx, newTestEnvelope(t, 99)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}

	// Remaining envelopes dequeue in order, then ErrClosed.
	for i := 0; i < 3; i++ {
		env, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue(%d) after Close: %v", i, err)
		}
		if got := env.Metadata["seq"]; got != i {
			t.Errorf("Dequeue(%d) seq = %v, want %d", i, got, i)
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Dequeue on drained closed queue = %v, want ErrClosed", err)
	}
}

func TestMemoryCloseWakesBlockedDequeue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Dequeue err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Close to wake blocked Dequeue")
	}
}

func TestMemoryFactory(t *testing.T) {
	factory := NewMemoryFactory()
	q1, err := factory("topic-a")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	q2, err := factory("topic-b")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if q1 == q2 {
		t.Error("factory returned the same queue for distinct topics")
	}
}

func TestMemoryConcurrentProducersConsumers(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	const producers = 4
	const perProducer = 25
	total := producers * perProducer

	for p := 0; p < producers; p++ {
		go func(p int) {
			for i := 0; i < perProducer; i++ {
				env, _ := envelope.New("test.event", fmt.Sprintf("user-%d", p))
				q.Enqueue(ctx, env)
			}
		}(p)
	}

	seen := make(map[string]bool, total)
	deadline := time.After(5 * time.Second)
	for len(seen) < total {
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		env, err := q.Dequeue(dctx)
		cancel()
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if seen[env.ID] {
			t.Fatalf("duplicate envelope %s", env.ID)
		}
		seen[env.ID] = true
		select {
		case <-deadline:
			t.Fatalf("timed out after %d/%d envelopes", len(seen), total)
		default:
		}
	}
}
