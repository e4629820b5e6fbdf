// Package bus provides an in-process asynchronous message bus for
// event-driven applications. It routes commands (one-to-one, result
// returning) and events (one-to-many, fire-and-forget) between producers
// and handlers.
//
// Architecture:
// - Explicit Bus value, constructed with New() and passed by reference
// - Scope-aware handler registry: bus-wide ("BUS") and session scopes
// - Bounded event queue with configurable overflow policy and backpressure
// - Batched dispatch loop with priority grouping and concurrent fan-out
// - Per-handler circuit breakers, retry with full jitter, dead letter queue
// - Direct observability hook invoked once per published event
//
// Basic example:
//
//	b, err := bus.New("orders")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop(ctx, 5*time.Second)
//
//	// Register a command handler
//	b.RegisterCommandHandler("order.create", func(ctx context.Context, cmd bus.Command) (any, error) {
//	    order := cmd.Payload.(CreateOrder)
//	    return process(ctx, order)
//	})
//
//	// Register an event handler
//	b.RegisterEventHandler("order.created", func(ctx context.Context, ev bus.Event) error {
//	    fmt.Println("order created:", ev.EventID)
//	    return nil
//	})
//
//	// Execute and publish
//	result := b.Execute(ctx, bus.Command{Type: "order.create", Payload: CreateOrder{ID: "123"}})
//	b.Publish(ctx, bus.Event{Type: "order.created", Payload: CreateOrder{ID: "123"}})
//
// Sessions scope handler registrations to a bounded lifetime. All handlers
// registered through a session are unregistered when it closes, on every
// exit path:
//
//	sess, err := b.OpenSession(ctx, "job-1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close(ctx)
//	sess.RegisterEventHandler("tick", onTick)
//
// Bus Options:
//   - WithQueueSize: bounded event queue capacity. Default is 10000.
//   - WithOverflowPolicy: RejectNew (default), DropOldest or AdaptiveRateLimit.
//   - WithBatchSize / WithBatchTimeout: dispatch loop batching. Defaults 100 / 100ms.
//   - WithRetry: retry policy for command handlers.
//   - WithBreaker: circuit breaker policy per command handler.
//   - WithDeadLetterStore: DLQ backend. Default is a bounded in-memory store.
//   - WithObservabilityHook: sink for every published event.
//   - WithTracing: enable/disable OpenTelemetry tracing. Default is true.
//   - WithMetrics: enable/disable OpenTelemetry metric mirroring. Default is true.
//   - WithRecovery: enable/disable panic recovery in handlers. Default is true.
//   - WithLogger: set logger for the bus.
//
// Command errors are never returned from Execute; they are folded into the
// CommandResult. Event handler errors never surface through Publish; they
// are counted, reported through an EventHandlerFailed event and the
// observability hook.
//
// Concrete observability sinks (console, NATS, Kafka) live in the sink
// subpackages and are driven exclusively through the ObservabilityHook
// interface; they never publish back into the bus.
package bus
