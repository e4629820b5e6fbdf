package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a MongoDB-backed dead-letter store.
type MongoStore struct {
	collection *mongo.Collection
	capacity   int64
}

// mongoEntry is the persisted document shape.
type mongoEntry struct {
	ID           string            `bson:"_id"`
	CommandID    string            `bson:"command_id"`
	CommandType  string            `bson:"command_type"`
	SessionID    string            `bson:"session_id"`
	Payload      []byte            `bson:"payload"`
	Error        string            `bson:"error"`
	Attempts     int               `bson:"attempts"`
	FirstAttempt time.Time         `bson:"first_attempt"`
	LastAttempt  time.Time         `bson:"last_attempt"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
	RequeuedAt   *time.Time        `bson:"requeued_at,omitempty"`
}

// NewMongoStore creates a MongoDB dead-letter store using the given
// collection. A capacity of zero leaves the store unbounded.
func NewMongoStore(collection *mongo.Collection, capacity int64) *MongoStore {
	return &MongoStore{collection: collection, capacity: capacity}
}

// EnsureIndexes creates the indexes used by List and DeleteOlderThan.
// Call once at startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "last_attempt", Value: 1}}},
		{Keys: bson.D{{Key: "command_type", Value: 1}, {Key: "last_attempt", Value: 1}}},
	})
	return err
}

func toMongo(e *Entry) *mongoEntry {
	return &mongoEntry{
		ID:           e.ID,
		CommandID:    e.CommandID,
		CommandType:  e.CommandType,
		SessionID:    e.SessionID,
		Payload:      e.Payload,
		Error:        e.Error,
		Attempts:     e.Attempts,
		FirstAttempt: e.FirstAttempt,
		LastAttempt:  e.LastAttempt,
		Metadata:     e.Metadata,
		RequeuedAt:   e.RequeuedAt,
	}
}

func fromMongo(m *mongoEntry) *Entry {
	return &Entry{
		ID:           m.ID,
		CommandID:    m.CommandID,
		CommandType:  m.CommandType,
		SessionID:    m.SessionID,
		Payload:      m.Payload,
		Error:        m.Error,
		Attempts:     m.Attempts,
		FirstAttempt: m.FirstAttempt,
		LastAttempt:  m.LastAttempt,
		Metadata:     m.Metadata,
		RequeuedAt:   m.RequeuedAt,
	}
}

// Push adds an entry, deleting the oldest entries when over capacity.
func (s *MongoStore) Push(ctx context.Context, e *Entry) error {
	if _, err := s.collection.InsertOne(ctx, toMongo(e)); err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}

	if s.capacity > 0 {
		n, err := s.collection.CountDocuments(ctx, bson.M{})
		if err != nil {
			return nil
		}
		for n > s.capacity {
			var oldest mongoEntry
			opts := options.FindOne().SetSort(bson.D{{Key: "last_attempt", Value: 1}})
			if err := s.collection.FindOne(ctx, bson.M{}, opts).Decode(&oldest); err != nil {
				break
			}
			if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": oldest.ID}); err != nil {
				break
			}
			n--
		}
	}
	return nil
}

// Get retrieves a single entry by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*Entry, error) {
	var m mongoEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("dlq entry not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find dlq entry: %w", err)
	}
	return fromMongo(&m), nil
}

func mongoFilter(f Filter) bson.M {
	query := bson.M{}
	if f.CommandType != "" {
		query["command_type"] = f.CommandType
	}
	if f.SessionID != "" {
		query["session_id"] = f.SessionID
	}
	timeRange := bson.M{}
	if !f.Since.IsZero() {
		timeRange["$gte"] = f.Since
	}
	if !f.Until.IsZero() {
		timeRange["$lte"] = f.Until
	}
	if len(timeRange) > 0 {
		query["last_attempt"] = timeRange
	}
	if f.ExcludeRequeued {
		query["requeued_at"] = bson.M{"$exists": false}
	}
	return query
}

// List returns entries matching the filter, oldest first.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_attempt", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find dlq entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Entry
	for cursor.Next(ctx) {
		var m mongoEntry
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode dlq entry: %w", err)
		}
		out = append(out, fromMongo(&m))
	}
	return out, cursor.Err()
}

// Count returns the number of entries matching the filter.
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.collection.CountDocuments(ctx, mongoFilter(filter))
}

// MarkRequeued records that an entry was requeued.
func (s *MongoStore) MarkRequeued(ctx context.Context, id string) error {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"requeued_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("update dlq entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

// Delete removes an entry.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete dlq entry: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

// DeleteOlderThan removes entries whose last attempt is older than age.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.collection.DeleteMany(ctx, bson.M{"last_attempt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete dlq entries: %w", err)
	}
	return res.DeletedCount, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
