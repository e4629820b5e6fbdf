package bus

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/gobuslab/bus/v2/ratelimit"
)

// Invoker executes a command and produces its result. It is the unit the
// middleware chain is built from.
type Invoker func(ctx context.Context, cmd Command) CommandResult

// Middleware wraps command execution. Middleware added first runs
// outermost; each middleware may transform the command, short-circuit with
// a CommandResult, or call next.
//
// Example:
//
//	b.AddMiddleware(func(next bus.Invoker) bus.Invoker {
//	    return func(ctx context.Context, cmd bus.Command) bus.CommandResult {
//	        start := time.Now()
//	        res := next(ctx, cmd)
//	        slog.Info("command done", "type", cmd.Type, "took", time.Since(start))
//	        return res
//	    }
//	})
type Middleware func(next Invoker) Invoker

// chainMiddleware composes middleware so the first registered runs first.
func chainMiddleware(core Invoker, middleware []Middleware) Invoker {
	chain := core
	for i := len(middleware) - 1; i >= 0; i-- {
		chain = middleware[i](chain)
	}
	return chain
}

// LoggingMiddleware logs command execution with timing and outcome.
func LoggingMiddleware(l *slog.Logger) Middleware {
	if l == nil {
		l = slog.Default()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd Command) CommandResult {
			l.Debug("executing command",
				"command_type", cmd.Type,
				"command_id", cmd.CommandID,
				"session_id", cmd.SessionID)

			start := time.Now()
			res := next(ctx, cmd)

			if res.Success {
				l.Debug("command completed",
					"command_type", cmd.Type,
					"command_id", cmd.CommandID,
					"attempts", res.Attempts,
					"took", time.Since(start))
			} else {
				l.Warn("command failed",
					"command_type", cmd.Type,
					"command_id", cmd.CommandID,
					"kind", res.Kind,
					"error", res.Error,
					"attempts", res.Attempts,
					"took", time.Since(start))
			}
			return res
		}
	}
}

// CommandTimer collects per-command-type execution times through a
// middleware. The bus already feeds the command duration histogram; the
// timer keeps raw durations for callers that want their own statistics.
type CommandTimer struct {
	mu      sync.Mutex
	timings map[string][]time.Duration
}

// NewCommandTimer creates an empty timer.
func NewCommandTimer() *CommandTimer {
	return &CommandTimer{timings: make(map[string][]time.Duration)}
}

// Middleware returns the middleware to add to the bus.
func (t *CommandTimer) Middleware() Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd Command) CommandResult {
			start := time.Now()
			res := next(ctx, cmd)
			t.mu.Lock()
			t.timings[cmd.Type] = append(t.timings[cmd.Type], time.Since(start))
			t.mu.Unlock()
			return res
		}
	}
}

// Timings returns a copy of the recorded durations for a command type.
func (t *CommandTimer) Timings(commandType string) []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.timings[commandType]))
	copy(out, t.timings[commandType])
	return out
}

// ValidationMiddleware runs a validation function before the handler. A
// validation error short-circuits with a failed result and no handler
// invocation.
func ValidationMiddleware(validate func(cmd Command) error) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd Command) CommandResult {
			if err := validate(cmd); err != nil {
				return CommandResult{
					CommandID: cmd.CommandID,
					Kind:      Classify(err),
					Error:     err.Error(),
				}
			}
			return next(ctx, cmd)
		}
	}
}

// RateLimitMiddleware blocks command execution until the limiter admits
// it. Cancellation while waiting produces a cancelled result.
func RateLimitMiddleware(l ratelimit.Limiter) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, cmd Command) CommandResult {
			if err := l.Wait(ctx); err != nil {
				return CommandResult{
					CommandID: cmd.CommandID,
					Kind:      Classify(err),
					Error:     err.Error(),
				}
			}
			return next(ctx, cmd)
		}
	}
}

// Filter decides whether a published event is admitted to the queue.
// Filters run before enqueue, in registration order, short-circuiting on
// the first rejection. Filters should be pure: no side effects observable
// by the rest of the system.
type Filter interface {
	ShouldHandle(ev Event) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ev Event) bool

func (f FilterFunc) ShouldHandle(ev Event) bool { return f(ev) }

// TypeFilter admits only events whose type is in the allow set.
func TypeFilter(types ...string) Filter {
	allow := make(map[string]struct{}, len(types))
	for _, t := range types {
		allow[t] = struct{}{}
	}
	return FilterFunc(func(ev Event) bool {
		_, ok := allow[ev.Type]
		return ok
	})
}

// SessionFilter admits only events whose session is in the allow set.
func SessionFilter(sessions ...SessionID) Filter {
	allow := make(map[SessionID]struct{}, len(sessions))
	for _, s := range sessions {
		allow[s] = struct{}{}
	}
	return FilterFunc(func(ev Event) bool {
		_, ok := allow[ev.SessionID]
		return ok
	})
}

// PatternFilter admits events whose type matches the regular expression.
func PatternFilter(pattern string) (Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return FilterFunc(func(ev Event) bool {
		return re.MatchString(ev.Type)
	}), nil
}

// CompositeFilter combines filters. With requireAll true every filter must
// admit the event (AND); otherwise one admission suffices (OR).
func CompositeFilter(requireAll bool, filters ...Filter) Filter {
	return FilterFunc(func(ev Event) bool {
		if len(filters) == 0 {
			return true
		}
		for _, f := range filters {
			ok := f.ShouldHandle(ev)
			if requireAll && !ok {
				return false
			}
			if !requireAll && ok {
				return true
			}
		}
		return requireAll
	})
}

// RateLimitFilter rejects events beyond the limiter's rate. Rejected
// events are dropped, not queued.
func RateLimitFilter(l ratelimit.Limiter) Filter {
	return FilterFunc(func(ev Event) bool {
		return l.Allow(context.Background())
	})
}

// DebugFilter logs every event it sees and admits all of them.
func DebugFilter(l *slog.Logger) Filter {
	if l == nil {
		l = slog.Default()
	}
	return FilterFunc(func(ev Event) bool {
		l.Debug("event observed by debug filter",
			"event_type", ev.Type,
			"event_id", ev.EventID,
			"session_id", ev.SessionID)
		return true
	})
}
