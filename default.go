package eventbus

import (
	"context"
	"sync"
)

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, creating and starting it on first
// use. Prefer passing an explicit Bus; the default exists for small
// programs and wiring at the edges.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = New(WithName("default"))
		defaultBus.Start()
	}
	return defaultBus
}

// SetDefault replaces the process-wide bus. The previous default is not
// shut down; the caller owns its lifecycle.
func SetDefault(b *Bus) {
	defaultMu.Lock()
	defaultBus = b
	defaultMu.Unlock()
}

// ResetDefault shuts down the process-wide bus and clears it, so the next
// Default call builds a fresh one. Intended for test isolation.
func ResetDefault(ctx context.Context) error {
	defaultMu.Lock()
	b := defaultBus
	defaultBus = nil
	defaultMu.Unlock()

	if b == nil {
		return nil
	}
	return b.Shutdown(ctx)
}
