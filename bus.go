package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gobuslab/bus/v2/dlq"
	"github.com/gobuslab/bus/v2/payload"
)

const (
	busCreated int32 = iota
	busRunning
	busStopping
	busStopped
)

// DefaultBusName is used when New is called with an empty name.
var DefaultBusName = "bus"

// PublishOutcome describes what happened to a published event.
type PublishOutcome int

const (
	// PublishAccepted means the event was admitted to the queue.
	PublishAccepted PublishOutcome = iota
	// PublishDropped means a filter dropped the event before enqueue.
	PublishDropped
	// PublishRejected means the queue or lifecycle rejected the event.
	PublishRejected
)

func (o PublishOutcome) String() string {
	switch o {
	case PublishAccepted:
		return "accepted"
	case PublishDropped:
		return "dropped"
	case PublishRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PublishResult reports the outcome of a Publish call. Err is set for
// rejections (ErrQueueFull, ErrShuttingDown).
type PublishResult struct {
	Outcome PublishOutcome
	Err     error
}

// Accepted reports whether the event was admitted to the queue.
func (r PublishResult) Accepted() bool { return r.Outcome == PublishAccepted }

// handlerOptions holds per-registration settings (unexported).
type handlerOptions struct {
	scope    SessionID
	priority int
	filter   func(Event) bool
}

// HandlerOption configures a single handler registration.
type HandlerOption func(*handlerOptions)

func newHandlerOptions(opts ...HandlerOption) *handlerOptions {
	o := &handlerOptions{scope: BusScope, priority: DefaultPriority}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithScope registers the handler in a session scope instead of the bus
// scope. Prefer Session.RegisterEventHandler for registrations that should
// be cleaned up with a session; WithScope registrations are not owned.
func WithScope(id SessionID) HandlerOption {
	return func(o *handlerOptions) {
		if id != "" {
			o.scope = id
		}
	}
}

// WithPriority sets an event handler's priority. Higher priorities run
// first; the default is DefaultPriority. Ignored for command handlers.
func WithPriority(priority int) HandlerOption {
	return func(o *handlerOptions) {
		o.priority = priority
	}
}

// WithHandlerFilter attaches a per-handler predicate; the handler only
// sees events the predicate admits. Ignored for command handlers.
func WithHandlerFilter(f func(Event) bool) HandlerOption {
	return func(o *handlerOptions) {
		o.filter = f
	}
}

// Bus is an in-process message bus routing commands and events between
// producers and handlers. Construct with New, then Start; a Bus must not
// be copied.
type Bus struct {
	status atomic.Int32
	id     string
	name   string

	logger          *slog.Logger
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool

	registry  *registry
	queue     *boundedQueue
	collector *Collector
	dlqStore  dlq.Store

	retry          RetryConfig
	breakerCfg     BreakerConfig
	batchSize      int
	batchTimeout   time.Duration
	commandTimeout time.Duration

	clock Clock
	rnd   Random
	ids   IDGenerator

	mu         sync.RWMutex
	hook       ObservabilityHook
	middleware []Middleware
	filters    []Filter
	sessions   map[SessionID]*Session

	breakerMu sync.Mutex
	breakers  map[string]*CircuitBreaker

	instruments *otelInstruments

	loopCtx    context.Context
	loopCancel context.CancelFunc
	stopCh     chan struct{}
	doneCh     chan struct{}
	grace      atomic.Int64 // shutdown grace period in nanoseconds
	inflight   atomic.Int64 // events currently being dispatched
}

// New creates a bus. The bus accepts Publish and Execute immediately;
// queued events are dispatched once Start is called.
func New(name string, opts ...Option) (*Bus, error) {
	if name == "" {
		name = DefaultBusName
	}
	o := newOptions(opts...)

	b := &Bus{
		id:              o.ids.NewID(),
		name:            name,
		logger:          o.logger.With("component", "bus>"+name),
		tracingEnabled:  o.tracingEnabled,
		metricsEnabled:  o.metricsEnabled,
		recoveryEnabled: o.recoveryEnabled,
		collector:       newCollector(o.clock),
		dlqStore:        o.dlqStore,
		retry:           o.retry,
		breakerCfg:      o.breaker,
		batchSize:       o.batchSize,
		batchTimeout:    o.batchTimeout,
		commandTimeout:  o.commandTimeout,
		clock:           o.clock,
		rnd:             o.rnd,
		ids:             o.ids,
		hook:            o.hook,
		sessions:        make(map[SessionID]*Session),
		breakers:        make(map[string]*CircuitBreaker),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	b.registry = newRegistry(o.ids.NewID)
	b.queue = newBoundedQueue(o.queueSize, o.highWaterRatio, o.lowWaterRatio, o.overflowPolicy, o.clock, o.rnd)
	if b.metricsEnabled {
		b.instruments = newOtelInstruments(name)
	}
	b.status.Store(busCreated)
	return b, nil
}

// ID returns the bus instance id.
func (b *Bus) ID() string { return b.id }

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Running reports whether the dispatch loop is active.
func (b *Bus) Running() bool { return b.status.Load() == busRunning }

// Logger returns the bus logger.
func (b *Bus) Logger() *slog.Logger { return b.logger }

// Metrics returns the bus metrics collector.
func (b *Bus) Metrics() *Collector { return b.collector }

// MetricsSnapshot returns a deep-copied view of every metric series.
func (b *Bus) MetricsSnapshot() *Snapshot { return b.collector.Snapshot() }

// accepting reports whether Publish/Execute may proceed.
func (b *Bus) accepting() bool {
	s := b.status.Load()
	return s == busCreated || s == busRunning
}

// Start launches the dispatch loop. Events published before Start stay
// queued and are dispatched once the loop runs.
func (b *Bus) Start(ctx context.Context) error {
	if !b.status.CompareAndSwap(busCreated, busRunning) {
		if b.status.Load() == busRunning {
			b.logger.Warn("bus already running")
			return nil
		}
		return ErrShuttingDown
	}
	b.loopCtx, b.loopCancel = context.WithCancel(context.Background())
	go b.dispatchLoop()
	b.logger.Info("bus started", "id", b.id)
	return nil
}

// Stop shuts the bus down. New publishes and executes are rejected with
// ErrShuttingDown; the dispatch loop keeps draining the queue for up to
// grace, then abandons the remainder (counted as dropped). Stop waits for
// the loop to exit or for ctx to expire.
func (b *Bus) Stop(ctx context.Context, grace time.Duration) error {
	if b.status.CompareAndSwap(busCreated, busStopped) {
		return nil
	}
	if !b.status.CompareAndSwap(busRunning, busStopping) {
		return nil
	}
	if grace < 0 {
		grace = 0
	}
	b.grace.Store(int64(grace))
	b.loopCancel()
	close(b.stopCh)

	select {
	case <-b.doneCh:
	case <-ctx.Done():
		b.status.Store(busStopped)
		return ctx.Err()
	}
	b.status.Store(busStopped)
	b.logger.Info("bus stopped")
	return nil
}

// --- Handler registration ---

// RegisterCommandHandler registers a command handler. Exactly one handler
// may exist per (scope, type); duplicates fail with ErrDuplicateHandler.
func (b *Bus) RegisterCommandHandler(commandType string, h CommandHandler, opts ...HandlerOption) (HandlerKey, error) {
	o := newHandlerOptions(opts...)
	return b.registerCommand(commandType, h, o.scope)
}

func (b *Bus) registerCommand(commandType string, h CommandHandler, scope SessionID) (HandlerKey, error) {
	key, err := b.registry.registerCommand(commandType, h, scope)
	if err != nil {
		return "", err
	}
	b.handlersChanged()
	b.logger.Debug("registered command handler", "command_type", commandType, "scope", scope)
	return key, nil
}

// RegisterEventHandler registers an event handler. Multiple handlers per
// (scope, type) are allowed; they run by priority (descending), then
// registration order.
func (b *Bus) RegisterEventHandler(eventType string, h EventHandler, opts ...HandlerOption) (HandlerKey, error) {
	o := newHandlerOptions(opts...)
	return b.registerEvent(eventType, h, o.scope, o.priority, o.filter)
}

func (b *Bus) registerEvent(eventType string, h EventHandler, scope SessionID, priority int, filter func(Event) bool) (HandlerKey, error) {
	key, err := b.registry.registerEvent(eventType, h, scope, priority, filter)
	if err != nil {
		return "", err
	}
	b.handlersChanged()
	b.logger.Debug("registered event handler", "event_type", eventType, "scope", scope, "priority", priority)
	return key, nil
}

// Unregister removes a handler registration. It is idempotent.
func (b *Bus) Unregister(key HandlerKey) {
	if b.registry.unregister(key) {
		b.handlersChanged()
	}
}

// UnregisterScope bulk-removes every handler registered in a session
// scope, owned or not. The bus scope is never removed this way. Returns
// the number of handlers removed.
func (b *Bus) UnregisterScope(session SessionID) int {
	n := b.registry.unregisterScope(session)
	if n > 0 {
		b.handlersChanged()
	}
	return n
}

func (b *Bus) handlersChanged() {
	b.collector.SetGauge(MetricHandlersGauge, int64(b.registry.count()), nil)
}

// --- Middleware, filters, hook ---

// AddMiddleware appends command middleware. Middleware runs in the order
// it was added, wrapped around handler resolution and execution.
func (b *Bus) AddMiddleware(m Middleware) {
	if m == nil {
		return
	}
	b.mu.Lock()
	b.middleware = append(b.middleware, m)
	b.mu.Unlock()
}

// AddEventFilter appends an event filter. Filters run before enqueue, in
// order, short-circuiting on the first rejection.
func (b *Bus) AddEventFilter(f Filter) {
	if f == nil {
		return
	}
	b.mu.Lock()
	b.filters = append(b.filters, f)
	b.mu.Unlock()
}

// SetObservabilityHook sets the sink that receives every published event.
// Pass nil to remove it.
func (b *Bus) SetObservabilityHook(h ObservabilityHook) {
	b.mu.Lock()
	b.hook = h
	b.mu.Unlock()
}

// --- Sessions ---

// OpenSession opens a scoped handler-registration namespace. An empty id
// generates one; BusScope is reserved and rejected. The id stays taken
// until the session closes.
func (b *Bus) OpenSession(ctx context.Context, id SessionID) (*Session, error) {
	if id == BusScope {
		return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidScope, BusScope)
	}
	if !b.accepting() {
		return nil, ErrShuttingDown
	}
	if id == "" {
		id = SessionID(b.ids.NewID())
	}

	sess := newSession(b, id)
	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		sess.cancel()
		return nil, fmt.Errorf("%w: %q", ErrSessionActive, id)
	}
	b.sessions[id] = sess
	active := len(b.sessions)
	b.mu.Unlock()

	b.collector.SetGauge(MetricActiveSessions, int64(active), nil)
	b.publishLifecycle(ctx, SessionStartEvent, id, SessionStart{SessionID: id, StartedAt: sess.startedAt})
	b.logger.Debug("session opened", "session_id", id)
	return sess, nil
}

// releaseSession frees a session id after close.
func (b *Bus) releaseSession(id SessionID) {
	b.mu.Lock()
	delete(b.sessions, id)
	active := len(b.sessions)
	b.mu.Unlock()
	b.collector.SetGauge(MetricActiveSessions, int64(active), nil)
}

// bindSession derives a context that is cancelled when the command's
// session closes, so session teardown aborts in-flight executes.
func (b *Bus) bindSession(ctx context.Context, id SessionID) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	if id == BusScope || id == "" {
		return cctx, cancel
	}
	b.mu.RLock()
	sess := b.sessions[id]
	b.mu.RUnlock()
	if sess == nil {
		return cctx, cancel
	}
	stop := context.AfterFunc(sess.ctx, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

// --- Command path ---

// Execute runs a command through the middleware chain, the resolved
// handler and the resilience wrapper. Errors are never returned directly;
// they are folded into the CommandResult.
func (b *Bus) Execute(ctx context.Context, cmd Command) CommandResult {
	if !b.accepting() {
		return CommandResult{
			CommandID: cmd.CommandID,
			Kind:      KindShuttingDown,
			Error:     ErrShuttingDown.Error(),
		}
	}

	if cmd.CommandID == "" {
		cmd.CommandID = b.ids.NewID()
	}
	if cmd.SessionID == "" {
		cmd.SessionID = BusScope
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = b.clock.Now()
	}

	b.collector.IncCounter(MetricCommandsSent, Labels{"command_type": cmd.Type})
	if b.instruments != nil {
		b.instruments.commands.Add(ctx, 1, metric.WithAttributes(attribute.String("command", cmd.Type)))
	}

	ctx, unbind := b.bindSession(ctx, cmd.SessionID)
	defer unbind()

	if b.commandTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.commandTimeout)
			defer cancel()
		}
	}

	b.mu.RLock()
	middleware := b.middleware
	b.mu.RUnlock()

	res := chainMiddleware(b.dispatchCommand, middleware)(ctx, cmd)
	if res.CommandID == "" {
		res.CommandID = cmd.CommandID
	}

	if res.Success {
		b.collector.IncCounter(MetricCommandsOK, Labels{"command_type": cmd.Type})
	} else {
		b.collector.IncCounter(MetricCommandsFailed, Labels{"command_type": cmd.Type})
	}

	b.publishLifecycle(ctx, CommandResultEvent, cmd.SessionID, res)
	return res
}

// dispatchCommand is the innermost invoker: resolve, announce, run under
// the resilience wrapper, time the call.
func (b *Bus) dispatchCommand(ctx context.Context, cmd Command) CommandResult {
	entry := b.registry.resolveCommand(cmd.Type, cmd.SessionID)
	if entry == nil {
		b.logger.Error("no handler registered for command",
			"command_type", cmd.Type,
			"session_id", cmd.SessionID)
		return CommandResult{
			CommandID: cmd.CommandID,
			Kind:      KindNoHandler,
			Error:     fmt.Sprintf("no handler registered for command %q in scope %q", cmd.Type, cmd.SessionID),
		}
	}

	b.publishLifecycle(ctx, CommandStartedEvent, cmd.SessionID, CommandStarted{
		CommandID:   cmd.CommandID,
		CommandType: cmd.Type,
		SessionID:   cmd.SessionID,
	})

	breaker := b.breakerFor(entry)
	start := b.clock.Now()
	res := b.executeResilient(ctx, cmd, entry, breaker)
	b.collector.ObserveDuration(MetricCommandDuration, b.clock.Now().Sub(start), Labels{"command_type": cmd.Type})
	return res
}

// breakerFor returns the circuit breaker guarding a command handler,
// creating it on first use. Breaker identity is the handler's scope and
// command type.
func (b *Bus) breakerFor(entry *commandEntry) *CircuitBreaker {
	name := string(entry.scope) + "/" + entry.typ
	b.breakerMu.Lock()
	defer b.breakerMu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = newCircuitBreaker(name, b.breakerCfg, b.clock, b.onBreakerState)
		b.breakers[name] = cb
	}
	return cb
}

func (b *Bus) onBreakerState(name string, state CircuitState) {
	b.collector.SetGauge(MetricBreakerState, int64(state), Labels{"breaker": name})
	if state == CircuitOpen {
		b.logger.Warn("circuit breaker opened", "breaker", name)
	} else {
		b.logger.Info("circuit breaker state changed", "breaker", name, "state", state.String())
	}
}

// executeResilient runs the handler under the circuit breaker and retry
// policy. On final failure the command is dead-lettered.
func (b *Bus) executeResilient(ctx context.Context, cmd Command, entry *commandEntry, breaker *CircuitBreaker) CommandResult {
	maxAttempts := b.retry.MaxRetries + 1
	firstAttempt := b.clock.Now()

	var lastErr error
	attempts := 0

	for attempts < maxAttempts {
		if err := breaker.Allow(); err != nil {
			if attempts == 0 {
				return CommandResult{
					CommandID: cmd.CommandID,
					Kind:      KindCircuitOpen,
					Error:     err.Error(),
				}
			}
			lastErr = err
			break
		}

		attempts++
		value, err := b.invokeCommand(ctx, entry.handler, cmd)
		if err == nil {
			breaker.RecordSuccess()
			return CommandResult{
				Success:   true,
				CommandID: cmd.CommandID,
				Value:     value,
				Attempts:  attempts,
			}
		}

		breaker.RecordFailure()
		lastErr = err

		if ctx.Err() != nil {
			return CommandResult{
				CommandID: cmd.CommandID,
				Kind:      Classify(err),
				Error:     err.Error(),
				Attempts:  attempts,
			}
		}
		if attempts >= maxAttempts {
			break
		}
		if breaker.State() == CircuitOpen {
			b.logger.Warn("circuit breaker opened, stopping retries",
				"breaker", breaker.Name(),
				"command_id", cmd.CommandID,
				"attempts", attempts)
			break
		}

		delay := b.retry.delay(attempts-1, b.rnd)
		b.logger.Debug("retrying command",
			"command_type", cmd.Type,
			"command_id", cmd.CommandID,
			"attempt", attempts+1,
			"delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return CommandResult{
				CommandID: cmd.CommandID,
				Kind:      Classify(err),
				Error:     err.Error(),
				Attempts:  attempts,
			}
		}
	}

	exhausted := &RetryExhaustedError{Attempts: attempts, LastErr: lastErr}
	b.deadLetter(ctx, cmd, exhausted, attempts, firstAttempt)
	return CommandResult{
		CommandID: cmd.CommandID,
		Kind:      Classify(lastErr),
		Error:     exhausted.Error(),
		Attempts:  attempts,
		Metadata:  map[string]string{"dead_letter": "true"},
	}
}

// invokeCommand runs one handler attempt with panic recovery. The call is
// abandoned as soon as the context ends so cancellation and timeouts abort
// immediately even when the handler ignores its context.
func (b *Bus) invokeCommand(ctx context.Context, h CommandHandler, cmd Command) (any, error) {
	type outcome struct {
		value any
		err   error
	}
	ch := make(chan outcome, 1)
	hctx := contextWithCommand(ctx, cmd, b.logger)

	go func() {
		if b.recoveryEnabled {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("command handler panic recovered",
						"command_type", cmd.Type,
						"command_id", cmd.CommandID,
						"error", r,
						"stack", string(debug.Stack()))
					ch <- outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
				}
			}()
		}
		value, err := h(hctx, cmd)
		ch <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case out := <-ch:
		return out.value, out.err
	}
}

// deadLetter moves a command that exhausted its retries to the DLQ and
// announces it.
func (b *Bus) deadLetter(ctx context.Context, cmd Command, cause error, attempts int, firstAttempt time.Time) {
	encoded, err := payload.Default().Encode(cmd.Payload)
	if err != nil {
		b.logger.Warn("failed to encode dead letter payload",
			"command_id", cmd.CommandID,
			"error", err)
		encoded = nil
	}

	entry := &dlq.Entry{
		ID:           b.ids.NewID(),
		CommandID:    cmd.CommandID,
		CommandType:  cmd.Type,
		SessionID:    string(cmd.SessionID),
		Payload:      encoded,
		Value:        cmd.Payload,
		Error:        cause.Error(),
		Attempts:     attempts,
		FirstAttempt: firstAttempt,
		LastAttempt:  b.clock.Now(),
		Metadata:     cmd.Metadata,
	}

	if err := b.dlqStore.Push(ctx, entry); err != nil {
		b.logger.Error("failed to store dead letter",
			"command_id", cmd.CommandID,
			"error", err)
		return
	}

	if n, err := b.dlqStore.Count(ctx, dlq.Filter{}); err == nil {
		b.collector.SetGauge(MetricDeadLetterSize, n, nil)
	}
	b.logger.Warn("command moved to dead letter queue",
		"command_type", cmd.Type,
		"command_id", cmd.CommandID,
		"attempts", attempts)

	b.publishLifecycle(ctx, DeadLetterEvent, cmd.SessionID, DeadLetter{
		CommandID:   cmd.CommandID,
		CommandType: cmd.Type,
		SessionID:   cmd.SessionID,
		Attempts:    attempts,
		Error:       cause.Error(),
	})
}

// DeadLetters lists dead-lettered commands matching the filter.
func (b *Bus) DeadLetters(ctx context.Context, filter dlq.Filter) ([]*dlq.Entry, error) {
	return b.dlqStore.List(ctx, filter)
}

// RequeueDeadLetter re-executes a dead-lettered command by entry id. The
// entry is marked requeued when the re-execution succeeds.
func (b *Bus) RequeueDeadLetter(ctx context.Context, entryID string) (CommandResult, error) {
	entry, err := b.dlqStore.Get(ctx, entryID)
	if err != nil {
		return CommandResult{}, err
	}

	value := entry.Value
	if value == nil && len(entry.Payload) > 0 {
		if err := payload.Default().Decode(entry.Payload, &value); err != nil {
			return CommandResult{}, fmt.Errorf("decode dead letter payload: %w", err)
		}
	}

	cmd := Command{
		CommandID: entry.CommandID,
		SessionID: SessionID(entry.SessionID),
		Type:      entry.CommandType,
		Payload:   value,
		Metadata:  entry.Metadata,
	}
	res := b.Execute(ctx, cmd)
	if res.Success {
		if err := b.dlqStore.MarkRequeued(ctx, entryID); err != nil {
			b.logger.Warn("failed to mark dead letter requeued", "entry_id", entryID, "error", err)
		}
	}
	return res, nil
}

// --- Event path ---

// Publish runs event filters and admits the event to the bounded queue.
// The observability hook sees the event exactly once, before any handler,
// regardless of the queue outcome. Publish never blocks on dispatch.
func (b *Bus) Publish(ctx context.Context, ev Event) PublishResult {
	if !b.accepting() {
		return PublishResult{Outcome: PublishRejected, Err: ErrShuttingDown}
	}

	if ev.EventID == "" {
		ev.EventID = b.ids.NewID()
	}
	if ev.SessionID == "" {
		ev.SessionID = BusScope
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.clock.Now()
	}

	b.collector.IncCounter(MetricEventsPublished, Labels{"event_type": ev.Type})
	if b.instruments != nil {
		b.instruments.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Type)))
	}
	if b.tracingEnabled {
		var span trace.Span
		ctx, span = b.startPublishSpan(ctx, ev)
		defer span.End()
	}

	b.observe(ev)

	b.mu.RLock()
	filters := b.filters
	b.mu.RUnlock()
	for _, f := range filters {
		if !f.ShouldHandle(ev) {
			b.collector.IncCounter(MetricEventsDropped, Labels{"reason": "filtered"})
			b.logger.Debug("event dropped by filter", "event_type", ev.Type, "event_id", ev.EventID)
			return PublishResult{Outcome: PublishDropped}
		}
	}

	res := b.queue.put(ev)
	if res.droppedOld {
		b.collector.IncCounter(MetricEventsDropped, Labels{"reason": "overflow"})
		b.logger.Warn("dropped oldest event on overflow", "event_type", ev.Type)
	}
	if res.err != nil {
		b.collector.IncCounter(MetricEventsRejected, nil)
		b.logger.Warn("event rejected by backpressure", "event_type", ev.Type, "event_id", ev.EventID)
		return PublishResult{Outcome: PublishRejected, Err: res.err}
	}
	if res.highWaterUp {
		b.collector.SetGauge(MetricBackpressure, 1, nil)
		b.logger.Warn("backpressure activated", "queue_size", b.queue.len())
	}
	b.collector.SetGauge(MetricQueueSize, int64(b.queue.len()), nil)
	return PublishResult{Outcome: PublishAccepted}
}

// observe hands the event to the observability hook. Hook panics are
// contained and counted; they never destabilize publishing.
func (b *Bus) observe(ev Event) {
	b.mu.RLock()
	hook := b.hook
	b.mu.RUnlock()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.collector.IncCounter(MetricHookErrors, nil)
			b.logger.Error("observability hook panic", "event_type", ev.Type, "error", r)
		}
	}()
	hook.Observe(ev)
}

// publishLifecycle publishes a bus-generated event, logging rejections
// instead of surfacing them.
func (b *Bus) publishLifecycle(ctx context.Context, eventType string, session SessionID, data any) {
	res := b.Publish(ctx, Event{Type: eventType, SessionID: session, Payload: data})
	if !res.Accepted() {
		b.logger.Debug("lifecycle event not queued",
			"event_type", eventType,
			"outcome", res.Outcome.String(),
			"error", res.Err)
	}
}

// dispatchLoop is the single event consumer. It drains batches, resolves
// handlers at drain time and fans out priority groups.
func (b *Bus) dispatchLoop() {
	defer close(b.doneCh)
	b.logger.Debug("dispatch loop started")
	ctx := context.Background()

	for {
		select {
		case <-b.stopCh:
			b.drainOnShutdown(ctx)
			b.logger.Debug("dispatch loop stopped")
			return
		default:
		}

		batch, lowWaterDown := b.queue.getBatch(b.loopCtx, b.batchSize, b.batchTimeout)
		if lowWaterDown {
			b.collector.SetGauge(MetricBackpressure, 0, nil)
			b.logger.Info("backpressure released", "queue_size", b.queue.len())
		}
		if len(batch) == 0 {
			continue
		}
		b.collector.SetGauge(MetricQueueSize, int64(b.queue.len()), nil)

		b.inflight.Add(1)
		b.processBatch(ctx, batch)
		b.inflight.Add(-1)
	}
}

// drainOnShutdown processes what it can inside the grace period, then
// abandons the rest.
func (b *Bus) drainOnShutdown(ctx context.Context) {
	grace := time.Duration(b.grace.Load())
	deadline := b.clock.Now().Add(grace)

	for grace > 0 && b.clock.Now().Before(deadline) {
		batch, _ := b.queue.take(b.batchSize)
		if len(batch) == 0 {
			break
		}
		b.processBatch(ctx, batch)
	}

	remaining := b.queue.drain()
	if len(remaining) > 0 {
		b.collector.AddCounter(MetricEventsDropped, int64(len(remaining)), Labels{"reason": "shutdown"})
		b.logger.Warn("abandoned queued events on shutdown", "count", len(remaining))
	}
	b.collector.SetGauge(MetricQueueSize, 0, nil)
	b.collector.SetGauge(MetricBackpressure, 0, nil)
}

func (b *Bus) processBatch(ctx context.Context, batch []queueItem) {
	for _, item := range batch {
		b.dispatchEvent(ctx, item.event)
	}
}

// dispatchEvent resolves handlers and runs them grouped by priority:
// groups run in descending priority, handlers inside a group run
// concurrently. Failures are isolated per handler.
func (b *Bus) dispatchEvent(ctx context.Context, ev Event) {
	entries := b.registry.resolveEvent(ev.Type, ev.SessionID)
	if len(entries) == 0 {
		b.logger.Debug("no handlers for event", "event_type", ev.Type, "session_id", ev.SessionID)
		return
	}

	for i := 0; i < len(entries); {
		j := i + 1
		for j < len(entries) && entries[j].priority == entries[i].priority {
			j++
		}
		group := entries[i:j]
		if len(group) == 1 {
			b.invokeEventHandler(ctx, group[0], ev)
		} else {
			var wg sync.WaitGroup
			for _, entry := range group {
				wg.Add(1)
				go func(e *eventEntry) {
					defer wg.Done()
					b.invokeEventHandler(ctx, e, ev)
				}(entry)
			}
			wg.Wait()
		}
		i = j
	}
}

// invokeEventHandler runs one handler for one event, applying the
// per-handler filter, timing the call and reporting failures.
func (b *Bus) invokeEventHandler(ctx context.Context, entry *eventEntry, ev Event) {
	if entry.filter != nil && !entry.filter(ev) {
		return
	}

	hctx := contextWithEvent(ctx, ev, b.logger)
	var span trace.Span
	if b.tracingEnabled {
		hctx, span = b.startDispatchSpan(hctx, ev)
	}

	start := b.clock.Now()
	err := b.safeInvokeEvent(hctx, entry.handler, ev)
	b.collector.ObserveDuration(MetricEventDuration, b.clock.Now().Sub(start), Labels{"handler_type": ev.Type})

	if span != nil {
		if err != nil {
			span.SetAttributes(attribute.String("error.kind", string(Classify(err))))
		}
		span.End()
	}

	if err == nil {
		b.collector.IncCounter(MetricEventsProcessed, Labels{"event_type": ev.Type})
		if b.instruments != nil {
			b.instruments.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Type)))
		}
		return
	}

	b.collector.IncCounter(MetricEventsFailed, Labels{"event_type": ev.Type})
	if b.instruments != nil {
		b.instruments.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", ev.Type)))
	}
	b.logger.Error("event handler failed",
		"event_type", ev.Type,
		"event_id", ev.EventID,
		"handler", string(entry.key),
		"error", err)

	b.publishLifecycle(ctx, EventHandlerFailedEvent, ev.SessionID, EventHandlerFailed{
		Event:   ev,
		Handler: string(entry.key),
		Error:   err.Error(),
	})
}

// safeInvokeEvent converts handler panics into errors so they never
// unwind the dispatch loop.
func (b *Bus) safeInvokeEvent(ctx context.Context, h EventHandler, ev Event) (err error) {
	if b.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panic recovered",
					"event_type", ev.Type,
					"event_id", ev.EventID,
					"error", r,
					"stack", string(debug.Stack()))
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
	}
	return h(ctx, ev)
}

// --- Introspection ---

// Drain waits until the queue is empty and no batch is in flight. Useful
// in tests and during coordinated shutdown.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		if b.queue.len() == 0 && b.inflight.Load() == 0 {
			// Re-check after a settle delay: an item may be between take
			// and dispatch accounting.
			time.Sleep(10 * time.Millisecond)
			if b.queue.len() == 0 && b.inflight.Load() == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Stats is a point-in-time summary of bus state.
type Stats struct {
	Running            bool
	QueueSize          int
	BackpressureActive bool
	RegisteredHandlers int
	ActiveSessions     int
	BatchSize          int
	BatchTimeout       time.Duration
}

// Stats returns a summary of the bus state.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.sessions)
	b.mu.RUnlock()
	return Stats{
		Running:            b.Running(),
		QueueSize:          b.queue.len(),
		BackpressureActive: b.queue.backpressureActive(),
		RegisteredHandlers: b.registry.count(),
		ActiveSessions:     active,
		BatchSize:          b.batchSize,
		BatchTimeout:       b.batchTimeout,
	}
}

// Health returns nil while the bus can accept work, or an error
// describing why it cannot.
func (b *Bus) Health(ctx context.Context) error {
	if !b.accepting() {
		return ErrShuttingDown
	}
	return nil
}
