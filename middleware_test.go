package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gobuslab/bus/v2/ratelimit"
)

func TestTypeFilter(t *testing.T) {
	f := TypeFilter("a", "b")
	if !f.ShouldHandle(Event{Type: "a"}) || !f.ShouldHandle(Event{Type: "b"}) {
		t.Error("allowed types rejected")
	}
	if f.ShouldHandle(Event{Type: "c"}) {
		t.Error("unlisted type admitted")
	}
}

func TestSessionFilter(t *testing.T) {
	f := SessionFilter("job-1", BusScope)
	if !f.ShouldHandle(Event{SessionID: "job-1"}) {
		t.Error("allowed session rejected")
	}
	if f.ShouldHandle(Event{SessionID: "job-2"}) {
		t.Error("unlisted session admitted")
	}
}

func TestPatternFilter(t *testing.T) {
	f, err := PatternFilter(`^order\.`)
	if err != nil {
		t.Fatal(err)
	}
	if !f.ShouldHandle(Event{Type: "order.created"}) {
		t.Error("matching type rejected")
	}
	if f.ShouldHandle(Event{Type: "user.created"}) {
		t.Error("non-matching type admitted")
	}

	if _, err := PatternFilter(`[`); err == nil {
		t.Error("invalid pattern must fail")
	}
}

func TestCompositeFilter(t *testing.T) {
	a := TypeFilter("x")
	b := SessionFilter("job-1")

	and := CompositeFilter(true, a, b)
	if !and.ShouldHandle(Event{Type: "x", SessionID: "job-1"}) {
		t.Error("AND should admit when all admit")
	}
	if and.ShouldHandle(Event{Type: "x", SessionID: "job-2"}) {
		t.Error("AND should reject when one rejects")
	}

	or := CompositeFilter(false, a, b)
	if !or.ShouldHandle(Event{Type: "y", SessionID: "job-1"}) {
		t.Error("OR should admit when one admits")
	}
	if or.ShouldHandle(Event{Type: "y", SessionID: "job-2"}) {
		t.Error("OR should reject when none admit")
	}

	if !CompositeFilter(true).ShouldHandle(Event{}) {
		t.Error("empty composite admits everything")
	}
}

func TestRateLimitFilter(t *testing.T) {
	f := RateLimitFilter(ratelimit.NewTokenBucket(1, 2))

	if !f.ShouldHandle(Event{}) || !f.ShouldHandle(Event{}) {
		t.Error("burst admissions rejected")
	}
	if f.ShouldHandle(Event{}) {
		t.Error("admission beyond burst should be rejected")
	}
}

func TestValidationMiddleware(t *testing.T) {
	b, _ := startedBus(t)
	b.AddMiddleware(ValidationMiddleware(func(cmd Command) error {
		if cmd.Payload == nil {
			return errors.New("payload required")
		}
		return nil
	}))

	called := false
	b.RegisterCommandHandler("ping", func(ctx context.Context, cmd Command) (any, error) {
		called = true
		return nil, nil
	})

	res := b.Execute(context.Background(), Command{Type: "ping"})
	if res.Success {
		t.Fatal("invalid command should fail")
	}
	if called {
		t.Error("handler must not run for invalid commands")
	}

	res = b.Execute(context.Background(), Command{Type: "ping", Payload: "x"})
	if !res.Success || !called {
		t.Errorf("valid command failed: %+v", res)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	b, _ := startedBus(t)
	b.AddMiddleware(RateLimitMiddleware(ratelimit.NewTokenBucket(1000, 1)))

	b.RegisterCommandHandler("ping", func(ctx context.Context, cmd Command) (any, error) {
		return "pong", nil
	})

	// Burst of one: the second call waits for a token (~1ms at 1000 rps).
	start := time.Now()
	for i := 0; i < 3; i++ {
		if res := b.Execute(context.Background(), Command{Type: "ping"}); !res.Success {
			t.Fatalf("execute %d failed: %+v", i, res)
		}
	}
	if time.Since(start) < time.Millisecond {
		t.Log("rate limiter admitted the burst faster than expected")
	}

	// A context deadline that leaves no time for the next token fails the
	// command with an error message instead of running the handler.
	strict := TestBus()
	strict.Start(context.Background())
	defer strict.Stop(context.Background(), time.Second)
	strict.AddMiddleware(RateLimitMiddleware(ratelimit.NewTokenBucket(0.001, 1)))
	strict.RegisterCommandHandler("ping", func(ctx context.Context, cmd Command) (any, error) {
		return "pong", nil
	})
	strict.Execute(context.Background(), Command{Type: "ping"}) // consumes the burst

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := strict.Execute(ctx, Command{Type: "ping"})
	if res.Success {
		t.Fatal("rate-limited command should not succeed")
	}
	if res.Error == "" {
		t.Error("expected an error message on the rate-limited result")
	}
}

func TestLoggingMiddlewarePassthrough(t *testing.T) {
	b, _ := startedBus(t)
	b.AddMiddleware(LoggingMiddleware(b.Logger()))

	b.RegisterCommandHandler("ping", func(ctx context.Context, cmd Command) (any, error) {
		return "pong", nil
	})
	res := b.Execute(context.Background(), Command{Type: "ping"})
	if !res.Success || res.Value != "pong" {
		t.Errorf("logging middleware altered the result: %+v", res)
	}
}

func TestCommandTimer(t *testing.T) {
	b, _ := startedBus(t)
	timer := NewCommandTimer()
	b.AddMiddleware(timer.Middleware())

	b.RegisterCommandHandler("ping", func(ctx context.Context, cmd Command) (any, error) {
		time.Sleep(time.Millisecond)
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		b.Execute(context.Background(), Command{Type: "ping"})
	}

	timings := timer.Timings("ping")
	if len(timings) != 3 {
		t.Fatalf("recorded %d timings, want 3", len(timings))
	}
	for i, d := range timings {
		if d <= 0 {
			t.Errorf("timing %d = %v, want > 0", i, d)
		}
	}
	if got := timer.Timings("other"); len(got) != 0 {
		t.Errorf("unknown type returned %d timings", len(got))
	}
}
