package bus

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultPriority is the event handler priority used when none is given.
// Higher priorities run first.
const DefaultPriority = 50

// commandEntry is a single command handler registration.
type commandEntry struct {
	key     HandlerKey
	typ     string
	scope   SessionID
	handler CommandHandler
}

// eventEntry is a single event handler registration. Entries for the same
// (scope, type) are ordered by priority (descending) then registration
// order (ascending).
type eventEntry struct {
	key      HandlerKey
	typ      string
	scope    SessionID
	handler  EventHandler
	priority int
	filter   func(Event) bool
	seq      uint64
}

// keyRef locates a registration for Unregister.
type keyRef struct {
	command bool
	typ     string
	scope   SessionID
}

// registry is the scope-aware handler store. Reads never block other
// reads; writes are serialized behind the write lock.
type registry struct {
	mu       sync.RWMutex
	seq      uint64
	commands map[SessionID]map[string]*commandEntry
	events   map[SessionID]map[string][]*eventEntry
	keys     map[HandlerKey]keyRef
	newID    func() string
}

func newRegistry(newID func() string) *registry {
	return &registry{
		commands: make(map[SessionID]map[string]*commandEntry),
		events:   make(map[SessionID]map[string][]*eventEntry),
		keys:     make(map[HandlerKey]keyRef),
		newID:    newID,
	}
}

// registerCommand stores a command handler for (scope, type). At most one
// handler may exist per key; re-registration fails with ErrDuplicateHandler.
func (r *registry) registerCommand(typ string, h CommandHandler, scope SessionID) (HandlerKey, error) {
	if err := validateScope(scope); err != nil {
		return "", err
	}
	if typ == "" || h == nil {
		return "", fmt.Errorf("%w: command type and handler are required", ErrInvalidScope)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.commands[scope]
	if !ok {
		byType = make(map[string]*commandEntry)
		r.commands[scope] = byType
	}
	if _, exists := byType[typ]; exists {
		return "", fmt.Errorf("%w: command %q in scope %q", ErrDuplicateHandler, typ, scope)
	}

	key := HandlerKey(r.newID())
	byType[typ] = &commandEntry{key: key, typ: typ, scope: scope, handler: h}
	r.keys[key] = keyRef{command: true, typ: typ, scope: scope}
	return key, nil
}

// registerEvent stores an event handler for (scope, type). Multiple
// handlers per key are allowed.
func (r *registry) registerEvent(typ string, h EventHandler, scope SessionID, priority int, filter func(Event) bool) (HandlerKey, error) {
	if err := validateScope(scope); err != nil {
		return "", err
	}
	if typ == "" || h == nil {
		return "", fmt.Errorf("%w: event type and handler are required", ErrInvalidScope)
	}
	if priority < 0 {
		priority = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byType, ok := r.events[scope]
	if !ok {
		byType = make(map[string][]*eventEntry)
		r.events[scope] = byType
	}

	r.seq++
	key := HandlerKey(r.newID())
	entry := &eventEntry{
		key:      key,
		typ:      typ,
		scope:    scope,
		handler:  h,
		priority: priority,
		filter:   filter,
		seq:      r.seq,
	}
	byType[typ] = insertOrdered(byType[typ], entry)
	r.keys[key] = keyRef{command: false, typ: typ, scope: scope}
	return key, nil
}

// insertOrdered keeps a scope's handler list sorted by priority descending,
// registration order ascending.
func insertOrdered(entries []*eventEntry, e *eventEntry) []*eventEntry {
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].priority < e.priority
	})
	entries = append(entries, nil)
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

// resolveCommand looks up the handler for a command. Session-scoped
// handlers take precedence; the bus scope is the fallback.
func (r *registry) resolveCommand(typ string, session SessionID) *commandEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if session != "" {
		if entry, ok := r.commands[session][typ]; ok {
			return entry
		}
	}
	if session != BusScope {
		if entry, ok := r.commands[BusScope][typ]; ok {
			return entry
		}
	}
	return nil
}

// resolveEvent returns the handlers that match an event: the union of the
// event's session scope and the bus scope, ordered by priority descending
// then registration order ascending.
func (r *registry) resolveEvent(typ string, session SessionID) []*eventEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var merged []*eventEntry
	if session != "" {
		merged = append(merged, r.events[session][typ]...)
	}
	if session != BusScope {
		merged = append(merged, r.events[BusScope][typ]...)
	}
	if len(merged) > 1 {
		sort.SliceStable(merged, func(i, j int) bool {
			if merged[i].priority != merged[j].priority {
				return merged[i].priority > merged[j].priority
			}
			return merged[i].seq < merged[j].seq
		})
	}
	return merged
}

// unregister removes a registration by key. It is idempotent; unknown keys
// are ignored.
func (r *registry) unregister(key HandlerKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(key)
}

func (r *registry) unregisterLocked(key HandlerKey) bool {
	ref, ok := r.keys[key]
	if !ok {
		return false
	}
	delete(r.keys, key)

	if ref.command {
		byType := r.commands[ref.scope]
		if entry, ok := byType[ref.typ]; ok && entry.key == key {
			delete(byType, ref.typ)
			if len(byType) == 0 {
				delete(r.commands, ref.scope)
			}
		}
		return true
	}

	byType := r.events[ref.scope]
	entries := byType[ref.typ]
	for i, e := range entries {
		if e.key == key {
			byType[ref.typ] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(byType[ref.typ]) == 0 {
		delete(byType, ref.typ)
		if len(byType) == 0 {
			delete(r.events, ref.scope)
		}
	}
	return true
}

// unregisterScope bulk-removes every handler in a session scope. The bus
// scope is never removed this way.
func (r *registry) unregisterScope(session SessionID) int {
	if session == BusScope || session == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	if byType, ok := r.commands[session]; ok {
		for _, entry := range byType {
			delete(r.keys, entry.key)
			removed++
		}
		delete(r.commands, session)
	}
	if byType, ok := r.events[session]; ok {
		for _, entries := range byType {
			for _, entry := range entries {
				delete(r.keys, entry.key)
				removed++
			}
		}
		delete(r.events, session)
	}
	return removed
}

// count returns the total number of registered handlers.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
