package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gobuslab/bus/v2/dlq"
)

// fastRetry keeps test retries in the millisecond range.
func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:      maxRetries,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
		Jitter:          JitterFull,
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	b, _ := startedBus(t, WithRetry(fastRetry(3)))

	calls := 0
	b.RegisterCommandHandler("flaky", func(ctx context.Context, cmd Command) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	res := b.Execute(context.Background(), Command{Type: "flaky"})
	if !res.Success {
		t.Fatalf("execute failed: %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
}

func TestExecuteExhaustedGoesToDeadLetter(t *testing.T) {
	store := dlq.NewMemoryStore(10)
	b, hook := startedBus(t,
		WithRetry(fastRetry(3)),
		WithDeadLetterStore(store),
	)
	ctx := context.Background()

	b.RegisterCommandHandler("doomed", func(ctx context.Context, cmd Command) (any, error) {
		return nil, errors.New("permanent")
	})

	res := b.Execute(ctx, Command{CommandID: "c1", Type: "doomed", Payload: "data"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 4 {
		t.Errorf("attempts = %d, want 4 (1 + 3 retries)", res.Attempts)
	}
	if res.Kind != KindHandlerFailure {
		t.Errorf("kind = %s, want %s", res.Kind, KindHandlerFailure)
	}
	if res.Metadata["dead_letter"] != "true" {
		t.Errorf("result should be flagged dead_letter: %+v", res.Metadata)
	}

	entries, err := store.List(ctx, dlq.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.CommandID != "c1" || e.CommandType != "doomed" || e.Attempts != 4 {
		t.Errorf("unexpected dlq entry: %+v", e)
	}
	if e.FirstAttempt.After(e.LastAttempt) {
		t.Error("first attempt must not be after last attempt")
	}

	if !hook.WaitFor(DeadLetterEvent, 1, waitTimeout) {
		t.Fatal("DeadLetter event never observed")
	}
	dl := hook.EventsOf(DeadLetterEvent)[0].Payload.(DeadLetter)
	if dl.CommandID != "c1" || dl.Attempts != 4 {
		t.Errorf("unexpected DeadLetter payload: %+v", dl)
	}
	if got := b.collector.GaugeValue(MetricDeadLetterSize, nil); got != 1 {
		t.Errorf("dead_letter_queue_size = %d, want 1", got)
	}
}

func TestRequeueDeadLetter(t *testing.T) {
	store := dlq.NewMemoryStore(10)
	b, _ := startedBus(t,
		WithRetry(fastRetry(0)),
		WithDeadLetterStore(store),
	)
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	b.RegisterCommandHandler("job", func(ctx context.Context, cmd Command) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("down")
		}
		return "recovered:" + cmd.Payload.(string), nil
	})

	if res := b.Execute(ctx, Command{Type: "job", Payload: "p1"}); res.Success {
		t.Fatal("setup: command should fail")
	}
	entries, _ := store.List(ctx, dlq.Filter{})
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	res, err := b.RequeueDeadLetter(ctx, entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Value != "recovered:p1" {
		t.Fatalf("requeue result: %+v", res)
	}

	entries, _ = store.List(ctx, dlq.Filter{ExcludeRequeued: true})
	if len(entries) != 0 {
		t.Errorf("entry should be marked requeued, %d pending", len(entries))
	}
}

// S5: retry interacts with the circuit breaker; once open, commands are
// rejected outright with zero attempts.
func TestRetryAndCircuitBreaker(t *testing.T) {
	store := dlq.NewMemoryStore(10)
	b, _ := startedBus(t,
		WithRetry(fastRetry(3)),
		WithBreaker(BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
		}),
		WithDeadLetterStore(store),
	)
	ctx := context.Background()

	calls := 0
	b.RegisterCommandHandler("shaky", func(ctx context.Context, cmd Command) (any, error) {
		calls++
		if calls <= 7 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	})

	// First execute: 4 attempts, all fail (4 consecutive failures).
	res1 := b.Execute(ctx, Command{CommandID: "c1", Type: "shaky"})
	if res1.Success || res1.Attempts != 4 {
		t.Fatalf("first execute: %+v, want failure with 4 attempts", res1)
	}

	// Second execute: the 5th consecutive failure opens the breaker and
	// stops further retries.
	res2 := b.Execute(ctx, Command{CommandID: "c2", Type: "shaky"})
	if res2.Success {
		t.Fatal("second execute should fail")
	}
	if res2.Attempts >= 4 {
		t.Errorf("second execute attempts = %d, want < 4 (breaker opened mid-retry)", res2.Attempts)
	}
	if got := b.collector.GaugeValue(MetricBreakerState, Labels{"breaker": "BUS/shaky"}); got != int64(CircuitOpen) {
		t.Errorf("circuit_breaker_state = %d, want %d (open)", got, CircuitOpen)
	}

	// Third execute within the recovery timeout: rejected outright.
	res3 := b.Execute(ctx, Command{CommandID: "c3", Type: "shaky"})
	if res3.Kind != KindCircuitOpen {
		t.Errorf("third execute kind = %s, want %s", res3.Kind, KindCircuitOpen)
	}
	if res3.Attempts != 0 {
		t.Errorf("third execute attempts = %d, want 0", res3.Attempts)
	}

	// CircuitOpen rejections count as failed commands.
	if got := b.collector.CounterValue(MetricCommandsFailed, Labels{"command_type": "shaky"}); got != 3 {
		t.Errorf("commands_failed_total = %d, want 3", got)
	}

	// The first exhausted command is in the DLQ with its attempt count.
	entries, _ := store.List(ctx, dlq.Filter{})
	found := false
	for _, e := range entries {
		if e.CommandID == "c1" && e.Attempts == 4 {
			found = true
		}
	}
	if !found {
		t.Errorf("dlq should contain c1 with 4 attempts, got %d entries", len(entries))
	}
}

// Property 8: the breaker state machine, driven by an injected clock.
func TestBreakerStateMachine(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := ClockFunc(func() time.Time { return now })

	var transitions []CircuitState
	cb := newCircuitBreaker("test", BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	}, clock, func(name string, s CircuitState) {
		transitions = append(transitions, s)
	})

	if cb.State() != CircuitClosed {
		t.Fatal("breaker must start closed")
	}

	// Closed -> Open after FailureThreshold consecutive failures.
	for i := 0; i < 2; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("closed breaker rejected call %d", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Fatal("breaker opened below threshold")
	}
	// A success resets the consecutive failure count.
	cb.Allow()
	cb.RecordSuccess()
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open after threshold failures")
	}

	// Open rejects until the recovery timeout elapses.
	err := cb.Allow()
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) || !IsCircuitOpen(err) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}

	// Open -> HalfOpen after RecoveryTimeout; only one probe at a time.
	now = now.Add(time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("half-open probe rejected: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatal("breaker should be half-open")
	}
	if err := cb.Allow(); err == nil {
		t.Fatal("second concurrent probe should be rejected")
	}

	// HalfOpen -> Closed after SuccessThreshold consecutive successes.
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatal("breaker should close after success threshold")
	}

	// HalfOpen -> Open on any failure.
	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	now = now.Add(time.Minute)
	cb.Allow()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("half-open failure should reopen the breaker")
	}

	// Gauge-visible transitions: open, half-open, closed, open, half-open, open.
	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed, CircuitOpen, CircuitHalfOpen, CircuitOpen}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

// Property 7: retry delays stay within [0, min(initial*base^i, max)].
func TestRetryDelayBounds(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:      5,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          JitterFull,
	}

	maxRnd := RandomFunc(func() float64 { return 0.999999 })
	zeroRnd := RandomFunc(func() float64 { return 0 })

	for i := 0; i < 10; i++ {
		ceiling := 100 * time.Millisecond
		for j := 0; j < i; j++ {
			ceiling *= 2
		}
		if ceiling > 10*time.Second {
			ceiling = 10 * time.Second
		}

		if d := cfg.delay(i, maxRnd); d < 0 || d > ceiling {
			t.Errorf("delay(%d) = %v, want in [0, %v]", i, d, ceiling)
		}
		if d := cfg.delay(i, zeroRnd); d != 0 {
			t.Errorf("delay(%d) with zero random = %v, want 0", i, d)
		}
	}

	// Without jitter the delay is exactly the computed backoff.
	cfg.Jitter = JitterNone
	if d := cfg.delay(3, maxRnd); d != 800*time.Millisecond {
		t.Errorf("delay(3) without jitter = %v, want 800ms", d)
	}
	if d := cfg.delay(20, maxRnd); d != 10*time.Second {
		t.Errorf("delay(20) without jitter = %v, want capped at 10s", d)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b, _ := startedBus(t, WithRetry(fastRetry(3)))

	b.RegisterCommandHandler("slow", func(ctx context.Context, cmd Command) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return "done", nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := b.Execute(ctx, Command{Type: "slow"})
	if time.Since(start) > time.Second {
		t.Error("execute did not honor the deadline promptly")
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Kind != KindTimeout {
		t.Errorf("kind = %s, want %s", res.Kind, KindTimeout)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retries after deadline)", res.Attempts)
	}
}

func TestExecuteDefaultCommandTimeout(t *testing.T) {
	b, _ := startedBus(t,
		WithRetry(fastRetry(0)),
		WithCommandTimeout(20*time.Millisecond),
	)

	b.RegisterCommandHandler("hang", func(ctx context.Context, cmd Command) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := b.Execute(context.Background(), Command{Type: "hang"})
	if res.Kind != KindTimeout {
		t.Errorf("kind = %s, want %s", res.Kind, KindTimeout)
	}
}

func TestExecutePanicRecovery(t *testing.T) {
	// Recovery must be enabled for this bus, unlike the TestBus default.
	hook := NewRecordingHook()
	b, err := New("panic-test",
		WithTracing(false),
		WithMetrics(false),
		WithRetry(fastRetry(0)),
		WithObservabilityHook(hook),
		WithBatchTimeout(5*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	b.Start(context.Background())
	defer b.Stop(context.Background(), time.Second)

	b.RegisterCommandHandler("explode", func(ctx context.Context, cmd Command) (any, error) {
		panic("kaboom")
	})

	res := b.Execute(context.Background(), Command{Type: "explode"})
	if res.Success {
		t.Fatal("expected failure from panic")
	}
	if res.Kind != KindHandlerFailure {
		t.Errorf("kind = %s, want %s", res.Kind, KindHandlerFailure)
	}

	// Event handler panics are isolated the same way.
	b.RegisterEventHandler("bad", func(ctx context.Context, ev Event) error {
		panic("event kaboom")
	})
	b.Publish(context.Background(), Event{Type: "bad"})
	if !hook.WaitFor(EventHandlerFailedEvent, 1, waitTimeout) {
		t.Fatal("panicking event handler was not reported")
	}
}
