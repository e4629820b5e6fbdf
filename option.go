package bus

import (
	"log/slog"
	"time"

	"github.com/gobuslab/bus/v2/dlq"
)

// Default configuration values.
var (
	// DefaultQueueSize is the bounded event queue capacity.
	DefaultQueueSize = 10000

	// DefaultHighWaterRatio is the queue fill ratio that activates
	// backpressure.
	DefaultHighWaterRatio = 0.8

	// DefaultLowWaterRatio is the queue fill ratio that releases
	// backpressure.
	DefaultLowWaterRatio = 0.5

	// DefaultBatchSize is the maximum number of events drained per batch.
	DefaultBatchSize = 100

	// DefaultBatchTimeout is how long the dispatch loop waits for the
	// first event of a batch.
	DefaultBatchTimeout = 100 * time.Millisecond

	// DefaultDeadLetterCapacity bounds the in-memory dead letter store.
	DefaultDeadLetterCapacity = 1000
)

// options holds configuration for a bus (unexported).
type options struct {
	queueSize      int
	highWaterRatio float64
	lowWaterRatio  float64
	overflowPolicy OverflowPolicy
	batchSize      int
	batchTimeout   time.Duration
	commandTimeout time.Duration

	retry      RetryConfig
	breaker    BreakerConfig
	dlqStore   dlq.Store
	dlqSize    int
	hook       ObservabilityHook
	logger     *slog.Logger
	clock      Clock
	rnd        Random
	ids        IDGenerator

	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool
}

// Option is an option function for bus configuration.
type Option func(*options)

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		queueSize:       DefaultQueueSize,
		highWaterRatio:  DefaultHighWaterRatio,
		lowWaterRatio:   DefaultLowWaterRatio,
		overflowPolicy:  RejectNew,
		batchSize:       DefaultBatchSize,
		batchTimeout:    DefaultBatchTimeout,
		retry:           DefaultRetryConfig(),
		breaker:         DefaultBreakerConfig(),
		dlqSize:         DefaultDeadLetterCapacity,
		logger:          slog.Default(),
		clock:           realClock{},
		rnd:             realRandom{},
		ids:             uuidGenerator{},
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.batchSize < 1 {
		o.batchSize = 1
	}
	if o.batchTimeout <= 0 {
		o.batchTimeout = DefaultBatchTimeout
	}
	if o.dlqStore == nil {
		o.dlqStore = dlq.NewMemoryStore(o.dlqSize)
	}
	return o
}

// WithQueueSize sets the bounded event queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithWaterMarks sets the high and low water mark ratios (0 < low < high <= 1).
// Invalid values keep the defaults.
func WithWaterMarks(high, low float64) Option {
	return func(o *options) {
		if 0 < low && low < high && high <= 1 {
			o.highWaterRatio = high
			o.lowWaterRatio = low
		}
	}
}

// WithOverflowPolicy selects the queue overflow policy.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(o *options) {
		switch p {
		case DropOldest, RejectNew, AdaptiveRateLimit:
			o.overflowPolicy = p
		}
	}
}

// WithBatchSize sets the maximum events drained per dispatch batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithBatchTimeout sets how long the dispatch loop waits for the first
// event of a batch.
func WithBatchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.batchTimeout = d
		}
	}
}

// WithCommandTimeout sets a default deadline applied to Execute calls that
// carry no deadline of their own. Zero disables the default.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.commandTimeout = d
		}
	}
}

// WithRetry sets the retry policy for command handlers.
func WithRetry(cfg RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg.withDefaults()
	}
}

// WithBreaker sets the circuit breaker policy applied per command handler.
func WithBreaker(cfg BreakerConfig) Option {
	return func(o *options) {
		o.breaker = cfg.withDefaults()
	}
}

// WithDeadLetterStore sets the DLQ backend. The default is a bounded
// in-memory store.
func WithDeadLetterStore(s dlq.Store) Option {
	return func(o *options) {
		if s != nil {
			o.dlqStore = s
		}
	}
}

// WithDeadLetterCapacity sets the capacity of the default in-memory DLQ.
// Ignored when WithDeadLetterStore is used.
func WithDeadLetterCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.dlqSize = n
		}
	}
}

// WithObservabilityHook sets the sink that receives every published event.
func WithObservabilityHook(h ObservabilityHook) Option {
	return func(o *options) {
		if h != nil {
			o.hook = h
		}
	}
}

// WithLogger sets a custom logger for the bus.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables/disables OpenTelemetry tracing.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables mirroring bus counters to OpenTelemetry.
// The in-process collector is always active.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery in handlers. Recovery
// should stay enabled outside of tests.
func WithRecovery(enabled bool) Option {
	return func(o *options) {
		o.recoveryEnabled = enabled
	}
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRandom sets the randomness source used for jitter and adaptive
// admission.
func WithRandom(r Random) Option {
	return func(o *options) {
		if r != nil {
			o.rnd = r
		}
	}
}

// WithIDGenerator sets the identifier source.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}
