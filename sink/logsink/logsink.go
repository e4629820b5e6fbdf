// Package logsink provides an observability sink that writes every
// observed bus event to a structured logger.
//
// The sink is driven through the bus ObservabilityHook and never
// publishes back into the bus.
//
// Usage:
//
//	b, _ := bus.New("orders", bus.WithObservabilityHook(logsink.New()))
package logsink

import (
	"context"
	"log/slog"

	"github.com/gobuslab/bus/v2"
)

// Sink logs observed events.
type Sink struct {
	logger *slog.Logger
	level  slog.Level
}

// Option configures the sink.
type Option func(*Sink)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLevel sets the log level used for observed events. Default is
// slog.LevelInfo.
func WithLevel(level slog.Level) Option {
	return func(s *Sink) {
		s.level = level
	}
}

// New creates a logging sink.
func New(opts ...Option) *Sink {
	s := &Sink{
		logger: slog.Default().With("component", "sink.log"),
		level:  slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe logs the event.
func (s *Sink) Observe(ev bus.Event) {
	s.logger.Log(context.Background(), s.level, "event observed",
		"event_type", ev.Type,
		"event_id", ev.EventID,
		"session_id", ev.SessionID,
		"created_at", ev.CreatedAt)
}

// Compile-time check
var _ bus.ObservabilityHook = (*Sink)(nil)
