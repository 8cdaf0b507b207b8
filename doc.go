// Package eventbus provides an asynchronous in-process event bus with typed
// envelopes, glob pattern routing, and request/response correlation.
//
// Envelopes (see the envelope package) carry a dotted type string acting as
// the routing key. Subscriptions pair a glob pattern with a handler; "*"
// matches any run of characters including dots, so "llm.chat.*" receives
// both "llm.chat.request" and "llm.chat.response".
//
// Basic example:
//
//	bus := eventbus.New(eventbus.WithName("my-app"))
//	bus.Start()
//	defer bus.Shutdown(ctx)
//
//	id, err := bus.Subscribe("llm.chat.*", func(ctx context.Context, env *envelope.Envelope) error {
//	    fmt.Printf("chat event: %s\n", env.Type)
//	    return nil
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer bus.Unsubscribe(id)
//
//	env, err := envelope.New("llm.chat.request", "user-1",
//	    envelope.WithSource("api"),
//	    envelope.WithMetaValue("messages", []map[string]any{
//	        {"role": "user", "content": "hello"},
//	    }))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bus.Publish(ctx, env)
//
// Request/response correlation:
//
//	resp, err := bus.Request(ctx, req, "llm.chat.response", time.Second)
//	if eventbus.IsRequestTimeout(err) {
//	    // no responder answered in time
//	}
//
// Bus Options:
//   - WithQueueFactory: set per-topic queue backend. Default is in-memory;
//     Redis Streams, NATS, and Kafka factories live in the queue package.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithMetrics: enable/disable OpenTelemetry metrics. Default is true.
//   - WithRecovery: enable/disable panic recovery in handlers. Default is true.
//   - WithErrorHandler: callback invoked with every handler failure.
//   - WithRateLimit: cap the publish rate; rejected publishes fail fast.
//   - WithArchive: record published envelopes to an archive.Store.
//   - WithLogger: set logger for the bus.
//
// Delivery semantics: envelopes published to the same topic reach the
// dispatch loop in publish order; handlers for one envelope run
// concurrently with no ordering between them. A failing or panicking
// handler is isolated: it is logged and reported, and neither the loop nor
// sibling handlers are disturbed. Delivery to a handler unsubscribed while
// its envelope was already matched is best effort, not exactly-once.
package eventbus
