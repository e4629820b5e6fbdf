package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Session is a scoped handler-registration namespace with guaranteed
// cleanup. Handlers registered through the session are owned by it and
// unregistered when it closes, on every exit path. Handlers registered
// directly on the bus, even with the session's scope, are not owned.
//
// Usage:
//
//	sess, err := b.OpenSession(ctx, "job-1")
//	if err != nil {
//	    return err
//	}
//	defer sess.Close(ctx)
//
//	sess.RegisterEventHandler("tick", onTick)
//	result := sess.Execute(ctx, bus.Command{Type: "job.run", Payload: job})
type Session struct {
	id        SessionID
	bus       *Bus
	startedAt time.Time

	// ctx is cancelled on close; in-flight executes for this session are
	// bound to it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	keys   []HandlerKey
	closed bool
}

func newSession(b *Bus, id SessionID) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		bus:       b,
		startedAt: b.clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() SessionID { return s.id }

// StartedAt returns when the session was opened.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// HandlerCount returns the number of handlers owned by the session.
func (s *Session) HandlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// RegisterCommandHandler registers a command handler owned by this
// session. The handler is scoped to the session and removed on close.
func (s *Session) RegisterCommandHandler(commandType string, h CommandHandler) (HandlerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: session %q is closed", ErrInvalidScope, s.id)
	}
	key, err := s.bus.registerCommand(commandType, h, s.id)
	if err != nil {
		return "", err
	}
	s.keys = append(s.keys, key)
	return key, nil
}

// RegisterEventHandler registers an event handler owned by this session.
// WithScope options are ignored; the handler is always scoped to the
// session.
func (s *Session) RegisterEventHandler(eventType string, h EventHandler, opts ...HandlerOption) (HandlerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: session %q is closed", ErrInvalidScope, s.id)
	}
	o := newHandlerOptions(opts...)
	key, err := s.bus.registerEvent(eventType, h, s.id, o.priority, o.filter)
	if err != nil {
		return "", err
	}
	s.keys = append(s.keys, key)
	return key, nil
}

// Execute runs a command inside this session's scope. The command's
// SessionID is overwritten with the session id.
func (s *Session) Execute(ctx context.Context, cmd Command) CommandResult {
	cmd.SessionID = s.id
	return s.bus.Execute(ctx, cmd)
}

// Publish publishes an event inside this session's scope. The event's
// SessionID is overwritten with the session id.
func (s *Session) Publish(ctx context.Context, ev Event) PublishResult {
	ev.SessionID = s.id
	return s.bus.Publish(ctx, ev)
}

// Close ends the session: it cancels in-flight executes bound to the
// session, unregisters every owned handler and then publishes a
// SessionEndEvent. Close is idempotent and safe to defer; it runs on
// panicking exit paths as well.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	keys := s.keys
	s.keys = nil
	s.mu.Unlock()

	s.cancel()

	for _, key := range keys {
		s.bus.registry.unregister(key)
	}
	s.bus.handlersChanged()
	s.bus.releaseSession(s.id)

	ended := s.bus.clock.Now()
	s.bus.publishLifecycle(ctx, SessionEndEvent, s.id, SessionEnd{
		SessionID: s.id,
		EndedAt:   ended,
		Duration:  ended.Sub(s.startedAt),
	})

	s.bus.logger.Debug("session closed",
		"session_id", s.id,
		"handlers", len(keys),
		"duration", ended.Sub(s.startedAt))
	return nil
}
