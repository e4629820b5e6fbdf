package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- Hash: dlq:entry:{id}   - individual entry fields
- List: dlq:order        - entry IDs, oldest first
- Set:  dlq:requeued     - IDs of requeued entries
*/

// RedisStore is a Redis-backed dead-letter store.
type RedisStore struct {
	client      redis.Cmdable
	orderKey    string
	entryPrefix string
	requeuedKey string
	capacity    int64
}

// NewRedisStore creates a Redis dead-letter store. A capacity of zero
// leaves the store unbounded.
func NewRedisStore(client redis.Cmdable, capacity int64) *RedisStore {
	return &RedisStore{
		client:      client,
		orderKey:    "dlq:order",
		entryPrefix: "dlq:entry:",
		requeuedKey: "dlq:requeued",
		capacity:    capacity,
	}
}

// WithKeyPrefix sets a custom key prefix.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.orderKey = prefix + "order"
	s.entryPrefix = prefix + "entry:"
	s.requeuedKey = prefix + "requeued"
	return s
}

// Push adds an entry, trimming the oldest when over capacity.
func (s *RedisStore) Push(ctx context.Context, e *Entry) error {
	metadata, _ := json.Marshal(e.Metadata)

	fields := map[string]interface{}{
		"id":            e.ID,
		"command_id":    e.CommandID,
		"command_type":  e.CommandType,
		"session_id":    e.SessionID,
		"payload":       e.Payload,
		"metadata":      metadata,
		"error":         e.Error,
		"attempts":      e.Attempts,
		"first_attempt": e.FirstAttempt.UnixNano(),
		"last_attempt":  e.LastAttempt.UnixNano(),
	}

	if err := s.client.HSet(ctx, s.entryPrefix+e.ID, fields).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	if err := s.client.RPush(ctx, s.orderKey, e.ID).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}

	if s.capacity > 0 {
		n, err := s.client.LLen(ctx, s.orderKey).Result()
		if err != nil {
			return fmt.Errorf("llen: %w", err)
		}
		for n > s.capacity {
			oldest, err := s.client.LPop(ctx, s.orderKey).Result()
			if err != nil {
				break
			}
			s.client.Del(ctx, s.entryPrefix+oldest)
			s.client.SRem(ctx, s.requeuedKey, oldest)
			n--
		}
	}
	return nil
}

// Get retrieves a single entry by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("dlq entry not found: %s", id)
	}
	return parseEntry(fields), nil
}

func parseEntry(fields map[string]string) *Entry {
	e := &Entry{
		ID:          fields["id"],
		CommandID:   fields["command_id"],
		CommandType: fields["command_type"],
		SessionID:   fields["session_id"],
		Payload:     []byte(fields["payload"]),
		Error:       fields["error"],
	}
	if metadata := fields["metadata"]; metadata != "" {
		json.Unmarshal([]byte(metadata), &e.Metadata)
	}
	if v := fields["attempts"]; v != "" {
		e.Attempts, _ = strconv.Atoi(v)
	}
	if v := fields["first_attempt"]; v != "" {
		ns, _ := strconv.ParseInt(v, 10, 64)
		e.FirstAttempt = time.Unix(0, ns)
	}
	if v := fields["last_attempt"]; v != "" {
		ns, _ := strconv.ParseInt(v, 10, 64)
		e.LastAttempt = time.Unix(0, ns)
	}
	if v := fields["requeued_at"]; v != "" {
		ns, _ := strconv.ParseInt(v, 10, 64)
		t := time.Unix(0, ns)
		e.RequeuedAt = &t
	}
	return e
}

// List returns entries matching the filter, oldest first.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	ids, err := s.client.LRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	var out []*Entry
	skipped := 0
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if !matches(e, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of entries matching the filter.
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	if filter == (Filter{}) {
		return s.client.LLen(ctx, s.orderKey).Result()
	}
	entries, err := s.List(ctx, Filter{
		CommandType:     filter.CommandType,
		SessionID:       filter.SessionID,
		Since:           filter.Since,
		Until:           filter.Until,
		ExcludeRequeued: filter.ExcludeRequeued,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// MarkRequeued records that an entry was requeued.
func (s *RedisStore) MarkRequeued(ctx context.Context, id string) error {
	if err := s.client.HSet(ctx, s.entryPrefix+id, "requeued_at", time.Now().UnixNano()).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	s.client.SAdd(ctx, s.requeuedKey, id)
	return nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	s.client.Del(ctx, s.entryPrefix+id)
	s.client.LRem(ctx, s.orderKey, 1, id)
	s.client.SRem(ctx, s.requeuedKey, id)
	return nil
}

// DeleteOlderThan removes entries whose last attempt is older than age.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	ids, err := s.client.LRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if e.LastAttempt.Before(cutoff) {
			if err := s.Delete(ctx, id); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
