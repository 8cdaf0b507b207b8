package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: event_archive

Document structure:
{
    "_id": string (envelope ID),
    "record_id": string,
    "event_type": string,
    "topic": string,
    "user_id": string,
    "source": string (optional),
    "payload": object,
    "published_at": ISODate
}

Indexes:
db.event_archive.createIndex({ "event_type": 1 })
db.event_archive.createIndex({ "user_id": 1, "published_at": -1 })
db.event_archive.createIndex({ "published_at": 1 })
*/

// mongoRecord is the archive document layout in MongoDB.
type mongoRecord struct {
	EventID     string         `bson:"_id"`
	RecordID    string         `bson:"record_id"`
	EventType   string         `bson:"event_type"`
	Topic       string         `bson:"topic"`
	UserID      string         `bson:"user_id"`
	Source      string         `bson:"source,omitempty"`
	Payload     map[string]any `bson:"payload"`
	PublishedAt time.Time      `bson:"published_at"`
}

func (m *mongoRecord) toRecord() *Record {
	return &Record{
		ID:          m.RecordID,
		EventID:     m.EventID,
		EventType:   m.EventType,
		Topic:       m.Topic,
		UserID:      m.UserID,
		Source:      m.Source,
		Payload:     m.Payload,
		PublishedAt: m.PublishedAt,
	}
}

func fromRecord(rec *Record) *mongoRecord {
	return &mongoRecord{
		EventID:     rec.EventID,
		RecordID:    rec.ID,
		EventType:   rec.EventType,
		Topic:       rec.Topic,
		UserID:      rec.UserID,
		Source:      rec.Source,
		Payload:     rec.Payload,
		PublishedAt: rec.PublishedAt,
	}
}

// MongoStore is a MongoDB-backed archive.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates an archive over the "event_archive" collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("event_archive"),
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Indexes returns the recommended indexes for the archive collection.
// Users can create them directly or merge with their own indexes.
//
// Example:
//
//	_, err := store.Collection().Indexes().CreateMany(ctx, store.Indexes())
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "event_type", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "published_at", Value: -1},
			},
		},
		{
			Keys: bson.D{{Key: "published_at", Value: 1}},
		},
	}
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the recommended indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Save stores a record
func (s *MongoStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.collection.InsertOne(ctx, fromRecord(rec))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Get retrieves a record by envelope ID
func (s *MongoStore) Get(ctx context.Context, eventID string) (*Record, error) {
	var m mongoRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": eventID}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find: %w", err)
	}
	return m.toRecord(), nil
}

// List returns matching records, newest first
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "published_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, s.buildFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*Record
	for cursor.Next(ctx) {
		var m mongoRecord
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		records = append(records, m.toRecord())
	}
	return records, cursor.Err()
}

// Count returns the number of matching records
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.collection.CountDocuments(ctx, s.buildFilter(filter))
}

// DeleteOlderThan removes records older than the given age
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := s.collection.DeleteMany(ctx, bson.M{
		"published_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

// buildFilter creates a MongoDB filter from an archive Filter
func (s *MongoStore) buildFilter(filter Filter) bson.M {
	mongoFilter := bson.M{}

	if filter.EventType != "" {
		mongoFilter["event_type"] = filter.EventType
	}
	if filter.Topic != "" {
		mongoFilter["topic"] = filter.Topic
	}
	if filter.UserID != "" {
		mongoFilter["user_id"] = filter.UserID
	}
	if filter.Source != "" {
		mongoFilter["source"] = filter.Source
	}
	if !filter.StartTime.IsZero() {
		if mongoFilter["published_at"] == nil {
			mongoFilter["published_at"] = bson.M{}
		}
		mongoFilter["published_at"].(bson.M)["$gte"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		if mongoFilter["published_at"] == nil {
			mongoFilter["published_at"] = bson.M{}
		}
		mongoFilter["published_at"].(bson.M)["$lte"] = filter.EndTime
	}

	return mongoFilter
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
