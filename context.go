package bus

import (
	"context"
	"log/slog"
)

type contextKey int

const busContextKey contextKey = iota

type busContextData struct {
	sessionID SessionID
	commandID string
	eventID   string
	eventType string
	logger    *slog.Logger
}

// ContextSessionID returns the session id stored in the context, or the
// empty value when none is set.
func ContextSessionID(ctx context.Context) SessionID {
	if d, ok := ctx.Value(busContextKey).(*busContextData); ok {
		return d.sessionID
	}
	return ""
}

// ContextCommandID returns the command id stored in the context.
func ContextCommandID(ctx context.Context) string {
	if d, ok := ctx.Value(busContextKey).(*busContextData); ok {
		return d.commandID
	}
	return ""
}

// ContextEventID returns the event id stored in the context.
func ContextEventID(ctx context.Context) string {
	if d, ok := ctx.Value(busContextKey).(*busContextData); ok {
		return d.eventID
	}
	return ""
}

// ContextEventType returns the event type stored in the context.
func ContextEventType(ctx context.Context) string {
	if d, ok := ctx.Value(busContextKey).(*busContextData); ok {
		return d.eventType
	}
	return ""
}

// ContextLogger returns the logger stored in the context, falling back to
// slog.Default.
func ContextLogger(ctx context.Context) *slog.Logger {
	if d, ok := ctx.Value(busContextKey).(*busContextData); ok && d.logger != nil {
		return d.logger
	}
	return slog.Default()
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, l *slog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	d := contextData(ctx)
	d.logger = l
	return context.WithValue(ctx, busContextKey, d)
}

// contextData copies the existing context data, if any.
func contextData(ctx context.Context) *busContextData {
	if d, ok := ctx.Value(busContextKey).(*busContextData); ok {
		copied := *d
		return &copied
	}
	return &busContextData{}
}

// contextWithCommand attaches command dispatch info for handlers.
func contextWithCommand(ctx context.Context, cmd Command, l *slog.Logger) context.Context {
	d := contextData(ctx)
	d.sessionID = cmd.SessionID
	d.commandID = cmd.CommandID
	d.logger = l
	return context.WithValue(ctx, busContextKey, d)
}

// contextWithEvent attaches event dispatch info for handlers.
func contextWithEvent(ctx context.Context, ev Event, l *slog.Logger) context.Context {
	d := contextData(ctx)
	d.sessionID = ev.SessionID
	d.eventID = ev.EventID
	d.eventType = ev.Type
	d.logger = l
	return context.WithValue(ctx, busContextKey, d)
}
