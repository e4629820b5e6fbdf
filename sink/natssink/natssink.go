// Package natssink provides an observability sink that forwards observed
// bus events to NATS subjects.
//
// Each observed event is packed into a payload.Envelope and published to
// "<prefix>.<event_type>". Publish failures are logged and counted; they
// never propagate into the bus.
//
// Usage:
//
//	nc, _ := nats.Connect(nats.DefaultURL)
//	sink := natssink.New(nc, "bus.events")
//	b, _ := bus.New("orders", bus.WithObservabilityHook(sink))
package natssink

import (
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/gobuslab/bus/v2"
	"github.com/gobuslab/bus/v2/payload"
)

// Sink forwards observed events to NATS. The connection is owned by the
// caller.
type Sink struct {
	nc      *nats.Conn
	prefix  string
	codec   payload.Codec
	logger  *slog.Logger
	dropped atomic.Int64
}

// Option configures the sink.
type Option func(*Sink)

// WithCodec sets the payload codec. Default is JSON.
func WithCodec(c payload.Codec) Option {
	return func(s *Sink) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a NATS forwarding sink publishing under the given subject
// prefix.
func New(nc *nats.Conn, prefix string, opts ...Option) *Sink {
	s := &Sink{
		nc:     nc,
		prefix: prefix,
		codec:  payload.Default(),
		logger: slog.Default().With("component", "sink.nats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe packs the event and publishes it. Failures are dropped after
// logging; the sink never blocks the bus.
func (s *Sink) Observe(ev bus.Event) {
	env, err := payload.Pack(s.codec, ev.EventID, string(ev.SessionID), ev.Type, ev.CreatedAt, ev.Metadata, ev.Payload)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("failed to encode observed event", "event_type", ev.Type, "error", err)
		return
	}
	data, err := env.Marshal()
	if err != nil {
		s.dropped.Add(1)
		s.logger.Warn("failed to marshal envelope", "event_type", ev.Type, "error", err)
		return
	}
	subject := s.prefix + "." + bus.Sanitize(ev.Type)
	if err := s.nc.Publish(subject, data); err != nil {
		s.dropped.Add(1)
		s.logger.Warn("failed to publish observed event",
			"subject", subject,
			"event_id", ev.EventID,
			"error", err)
	}
}

// Dropped returns the number of events the sink failed to forward.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Compile-time check
var _ bus.ObservabilityHook = (*Sink)(nil)
