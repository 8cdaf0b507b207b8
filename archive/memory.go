package archive

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory archive for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // keyed by EventID
	order   []string           // insertion order of EventIDs
}

// NewMemoryStore creates an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Save stores a record
func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.EventID]; ok {
		return ErrAlreadyExists
	}
	cp := *rec
	s.records[rec.EventID] = &cp
	s.order = append(s.order, rec.EventID)
	return nil
}

// Get retrieves a record by envelope ID
func (s *MemoryStore) Get(ctx context.Context, eventID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// List returns matching records, newest first
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	var matched []*Record
	for _, id := range s.order {
		rec := s.records[id]
		if filter.matches(rec) {
			cp := *rec
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].PublishedAt.After(matched[j].PublishedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Count returns the number of matching records
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if filter.matches(rec) {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan removes records older than the given age
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.records[id]
		if rec.PublishedAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
