package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

Key structure:
  archive:rec:{eventID}  - JSON-encoded record
  archive:index          - Sorted set of eventIDs scored by publish time

Records carry an optional TTL; the index is trimmed lazily on reads and
explicitly by DeleteOlderThan.
*/

const (
	redisRecordPrefix = "archive:rec:"
	redisIndexKey     = "archive:index"
)

// RedisStore is a Redis-backed archive, suited to bounded recent history.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration // 0 = keep forever
}

// NewRedisStore creates a Redis archive. A non-zero ttl expires records
// automatically; DeleteOlderThan still works for explicit cleanup.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

// redisRecord is the JSON layout of an archived record in Redis.
type redisRecord struct {
	ID          string         `json:"id"`
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Topic       string         `json:"topic"`
	UserID      string         `json:"user_id"`
	Source      string         `json:"source,omitempty"`
	Payload     map[string]any `json:"payload"`
	PublishedAt time.Time      `json:"published_at"`
}

func (s *RedisStore) recordKey(eventID string) string {
	return redisRecordPrefix + eventID
}

// Save stores a record
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	key := s.recordKey(rec.EventID)

	data, err := json.Marshal(redisRecord{
		ID:          rec.ID,
		EventID:     rec.EventID,
		EventType:   rec.EventType,
		Topic:       rec.Topic,
		UserID:      rec.UserID,
		Source:      rec.Source,
		Payload:     rec.Payload,
		PublishedAt: rec.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	err = s.client.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(rec.PublishedAt.UnixMilli()),
		Member: rec.EventID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

// Get retrieves a record by envelope ID
func (s *RedisStore) Get(ctx context.Context, eventID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	return s.decode(data)
}

func (s *RedisStore) decode(data []byte) (*Record, error) {
	var r redisRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &Record{
		ID:          r.ID,
		EventID:     r.EventID,
		EventType:   r.EventType,
		Topic:       r.Topic,
		UserID:      r.UserID,
		Source:      r.Source,
		Payload:     r.Payload,
		PublishedAt: r.PublishedAt,
	}, nil
}

// List returns matching records, newest first. Field filters are applied
// after fetching the time range, so broad filters over large archives are
// better served by the MongoDB store.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	ids, err := s.indexRange(ctx, filter)
	if err != nil {
		return nil, err
	}

	var records []*Record
	skipped := 0
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired record, drop the stale index entry.
				s.client.ZRem(ctx, redisIndexKey, id)
				continue
			}
			return nil, fmt.Errorf("get: %w", err)
		}
		rec, err := s.decode(data)
		if err != nil {
			return nil, err
		}
		if !filter.matches(rec) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		records = append(records, rec)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records, nil
}

// Count returns the number of matching records
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	ids, err := s.indexRange(ctx, filter)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return 0, fmt.Errorf("get: %w", err)
		}
		rec, err := s.decode(data)
		if err != nil {
			return 0, err
		}
		if filter.matches(rec) {
			n++
		}
	}
	return n, nil
}

// indexRange returns eventIDs in the filter's time window, newest first.
func (s *RedisStore) indexRange(ctx context.Context, filter Filter) ([]string, error) {
	min, max := "-inf", "+inf"
	if !filter.StartTime.IsZero() {
		min = fmt.Sprintf("%d", filter.StartTime.UnixMilli())
	}
	if !filter.EndTime.IsZero() {
		max = fmt.Sprintf("%d", filter.EndTime.UnixMilli())
	}

	ids, err := s.client.ZRevRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("index range: %w", err)
	}
	return ids, nil
}

// DeleteOlderThan removes records older than the given age
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	max := fmt.Sprintf("(%d", cutoff)

	ids, err := s.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("index range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	if err := s.client.ZRemRangeByScore(ctx, redisIndexKey, "-inf", max).Err(); err != nil {
		return 0, fmt.Errorf("index trim: %w", err)
	}
	return int64(len(ids)), nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
