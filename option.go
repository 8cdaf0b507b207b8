package eventbus

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/eventbus/archive"
	"github.com/rbaliyan/eventbus/envelope"
	"github.com/rbaliyan/eventbus/queue"
)

var (
	// DefaultRequestTimeout applies when Request is called with a zero timeout.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultTopic is the topic used when none is specified.
	DefaultTopic = "default"
)

// config bus configuration
type config struct {
	name            string
	logger          *slog.Logger
	queueFactory    queue.Factory
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool
	onError         func(*envelope.Envelope, error)
	limiter         *rate.Limiter
	archive         archive.Store
	requestTimeout  time.Duration
}

// defaultErrorHandler default error handler
func defaultErrorHandler(*envelope.Envelope, error) {}

func newConfig() *config {
	return &config{
		name:            "bus",
		queueFactory:    queue.NewMemoryFactory(),
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
		onError:         defaultErrorHandler,
		requestTimeout:  DefaultRequestTimeout,
	}
}

// Option bus options
type Option func(*config)

// WithName sets the bus name, used in logs and telemetry.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets the logger for the bus.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQueueFactory sets the factory used to create per-topic queues.
// Defaults to in-memory queues; use a broker-backed factory for delivery
// that survives restarts.
func WithQueueFactory(f queue.Factory) Option {
	return func(c *config) {
		if f != nil {
			c.queueFactory = f
		}
	}
}

// WithTracing enable/disable tracing for the bus.
func WithTracing(v bool) Option {
	return func(c *config) {
		c.tracingEnabled = v
	}
}

// WithMetrics enable/disable metrics for the bus.
func WithMetrics(v bool) Option {
	return func(c *config) {
		c.metricsEnabled = v
	}
}

// WithRecovery enable/disable panic recovery around handlers.
// Recovery should always be enabled, can be disabled for testing.
func WithRecovery(v bool) Option {
	return func(c *config) {
		c.recoveryEnabled = v
	}
}

// WithErrorHandler sets a callback invoked with every handler failure.
func WithErrorHandler(v func(*envelope.Envelope, error)) Option {
	return func(c *config) {
		if v != nil {
			c.onError = v
		}
	}
}

// WithRateLimit caps the publish rate. Publishes beyond the limit fail
// fast with ErrRateLimited rather than blocking.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *config) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithArchive records every published envelope to the given store.
// Archiving is asynchronous and best effort; failures are logged, never
// surfaced to publishers.
func WithArchive(store archive.Store) Option {
	return func(c *config) {
		c.archive = store
	}
}

// WithRequestTimeout sets the default timeout for Request calls that pass
// a zero timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}
