package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func nopCommandHandler(ctx context.Context, cmd Command) (any, error) { return nil, nil }

func nopEventHandler(ctx context.Context, ev Event) error { return nil }

func TestRegistryDuplicateCommandHandler(t *testing.T) {
	r := newRegistry(NewID)

	if _, err := r.registerCommand("ping", nopCommandHandler, BusScope); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := r.registerCommand("ping", nopCommandHandler, BusScope); !errors.Is(err, ErrDuplicateHandler) {
		t.Errorf("expected ErrDuplicateHandler, got %v", err)
	}
	// Same type in a different scope is fine.
	if _, err := r.registerCommand("ping", nopCommandHandler, "job-1"); err != nil {
		t.Errorf("registration in other scope failed: %v", err)
	}
}

func TestRegistryInvalidScope(t *testing.T) {
	r := newRegistry(NewID)

	if _, err := r.registerCommand("ping", nopCommandHandler, ""); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope for empty scope, got %v", err)
	}
	if _, err := r.registerEvent("tick", nopEventHandler, "", DefaultPriority, nil); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("expected ErrInvalidScope for empty scope, got %v", err)
	}
	if _, err := r.registerCommand("", nopCommandHandler, BusScope); err == nil {
		t.Error("expected error for empty command type")
	}
}

func TestRegistryCommandScopePrecedence(t *testing.T) {
	r := newRegistry(NewID)

	busCalled := false
	sessCalled := false
	if _, err := r.registerCommand("ping", func(ctx context.Context, cmd Command) (any, error) {
		busCalled = true
		return "bus", nil
	}, BusScope); err != nil {
		t.Fatal(err)
	}
	if _, err := r.registerCommand("ping", func(ctx context.Context, cmd Command) (any, error) {
		sessCalled = true
		return "session", nil
	}, "job-1"); err != nil {
		t.Fatal(err)
	}

	entry := r.resolveCommand("ping", "job-1")
	if entry == nil {
		t.Fatal("resolve failed")
	}
	entry.handler(context.Background(), Command{})
	if !sessCalled || busCalled {
		t.Error("session-scoped handler should take precedence")
	}

	// Other sessions fall back to the bus scope.
	entry = r.resolveCommand("ping", "job-2")
	if entry == nil {
		t.Fatal("fallback resolve failed")
	}
	entry.handler(context.Background(), Command{})
	if !busCalled {
		t.Error("expected fallback to bus-scoped handler")
	}

	if r.resolveCommand("missing", "job-1") != nil {
		t.Error("expected nil for unknown command type")
	}
}

func TestRegistryEventOrdering(t *testing.T) {
	r := newRegistry(NewID)

	// Registered out of priority order, including a session-scoped handler
	// and two with equal priority.
	kLow, _ := r.registerEvent("tick", nopEventHandler, BusScope, 10, nil)
	kHigh, _ := r.registerEvent("tick", nopEventHandler, "job-1", 100, nil)
	kMidA, _ := r.registerEvent("tick", nopEventHandler, BusScope, 50, nil)
	kMidB, _ := r.registerEvent("tick", nopEventHandler, BusScope, 50, nil)

	entries := r.resolveEvent("tick", "job-1")
	var got []HandlerKey
	for _, e := range entries {
		got = append(got, e.key)
	}
	want := []HandlerKey{kHigh, kMidA, kMidB, kLow}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("handler order mismatch (-want +got):\n%s", diff)
	}

	// Session-scoped handlers are invisible to other sessions; bus-scoped
	// handlers are visible everywhere.
	entries = r.resolveEvent("tick", "job-2")
	if len(entries) != 3 {
		t.Errorf("expected 3 handlers for other session, got %d", len(entries))
	}
	entries = r.resolveEvent("tick", BusScope)
	if len(entries) != 3 {
		t.Errorf("expected 3 handlers for bus scope, got %d", len(entries))
	}
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := newRegistry(NewID)

	key, err := r.registerEvent("tick", nopEventHandler, BusScope, DefaultPriority, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.count() != 1 {
		t.Fatalf("count = %d, want 1", r.count())
	}

	if !r.unregister(key) {
		t.Error("first unregister should report removal")
	}
	if r.unregister(key) {
		t.Error("second unregister should be a no-op")
	}
	if r.count() != 0 {
		t.Errorf("count = %d, want 0", r.count())
	}
	if got := r.resolveEvent("tick", BusScope); len(got) != 0 {
		t.Errorf("expected no handlers after unregister, got %d", len(got))
	}

	// Registering again behaves as if the first registration never
	// happened, including for command uniqueness.
	cKey, err := r.registerCommand("ping", nopCommandHandler, BusScope)
	if err != nil {
		t.Fatal(err)
	}
	r.unregister(cKey)
	if _, err := r.registerCommand("ping", nopCommandHandler, BusScope); err != nil {
		t.Errorf("re-registration after unregister failed: %v", err)
	}
}

func TestRegistryUnregisterScope(t *testing.T) {
	r := newRegistry(NewID)

	r.registerCommand("ping", nopCommandHandler, "job-1")
	r.registerEvent("tick", nopEventHandler, "job-1", DefaultPriority, nil)
	r.registerEvent("tick", nopEventHandler, "job-1", 90, nil)
	busKey, _ := r.registerEvent("tick", nopEventHandler, BusScope, DefaultPriority, nil)

	if n := r.unregisterScope("job-1"); n != 3 {
		t.Errorf("unregisterScope removed %d, want 3", n)
	}
	if r.resolveCommand("ping", "job-1") != nil {
		t.Error("session command handler should be gone")
	}
	entries := r.resolveEvent("tick", "job-1")
	if len(entries) != 1 || entries[0].key != busKey {
		t.Error("only the bus-scoped handler should remain")
	}

	// The bus scope can never be bulk-removed.
	if n := r.unregisterScope(BusScope); n != 0 {
		t.Errorf("unregisterScope(BUS) removed %d, want 0", n)
	}
	if r.count() != 1 {
		t.Errorf("count = %d, want 1", r.count())
	}
}
