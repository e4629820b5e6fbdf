// Package dlq provides dead-letter storage for commands that exhausted
// their retry budget.
//
// The bus pushes an Entry on final command failure. Entries keep the
// failing command's identity, its encoded payload and the error trail so
// operators can inspect, requeue or clean them up.
//
// Implementations:
//   - MemoryStore: bounded in-memory store, the bus default
//   - RedisStore: Redis-backed store for operational tooling
//   - MongoStore: MongoDB-backed store for operational tooling
//
// Basic usage:
//
//	store := dlq.NewMemoryStore(1000)
//	b, _ := bus.New("orders", bus.WithDeadLetterStore(store))
//
//	// Later: inspect dead letters
//	entries, _ := store.List(ctx, dlq.Filter{CommandType: "order.create"})
package dlq

import (
	"context"
	"time"
)

// Entry is a single dead-lettered command.
type Entry struct {
	ID          string            // Unique entry ID (generated by the bus)
	CommandID   string            // Original command ID
	CommandType string            // Original command type
	SessionID   string            // Scope the command was executed in
	Payload     []byte            // Encoded command payload
	Value       any               // In-process original payload; nil when loaded from a persistent store
	Error       string            // Final error that exhausted the retries
	Attempts    int               // Attempts made before dead-lettering
	FirstAttempt time.Time        // When the first attempt started
	LastAttempt time.Time         // When the final attempt failed
	Metadata    map[string]string // Original command metadata
	RequeuedAt  *time.Time        // When the entry was last requeued (nil if never)
}

// Filter specifies criteria for listing entries. All fields are optional;
// the zero Filter matches everything.
type Filter struct {
	CommandType     string    // Filter by command type (empty = all)
	SessionID       string    // Filter by session scope (empty = all)
	Since           time.Time // Entries whose last attempt is at or after this time (zero = no minimum)
	Until           time.Time // Entries whose last attempt is at or before this time (zero = no maximum)
	ExcludeRequeued bool      // Skip entries that have been requeued
	Limit           int       // Maximum results (0 = no limit)
	Offset          int       // Offset for pagination
}

// Store is the dead-letter persistence interface. Implementations must be
// safe for concurrent use. Bounded implementations evict their oldest
// entry to admit a new one.
type Store interface {
	// Push adds an entry, evicting the oldest if the store is bounded and
	// full.
	Push(ctx context.Context, e *Entry) error

	// Get retrieves a single entry by ID.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Count returns the number of entries matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// MarkRequeued records that an entry was requeued.
	MarkRequeued(ctx context.Context, id string) error

	// Delete removes an entry.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes entries older than the given age and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// matches reports whether an entry satisfies a filter, ignoring
// Limit/Offset.
func matches(e *Entry, f Filter) bool {
	if f.CommandType != "" && e.CommandType != f.CommandType {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && e.LastAttempt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.LastAttempt.After(f.Until) {
		return false
	}
	if f.ExcludeRequeued && e.RequeuedAt != nil {
		return false
	}
	return true
}
