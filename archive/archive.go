// Package archive provides durable storage for published envelopes.
//
// An archive records every envelope the bus delivers, for audit trails and
// conversation replay. Stores are pluggable: in-memory for tests, MongoDB
// for durable history, Redis for bounded recent history.
package archive

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound      = errors.New("archive: record not found")
	ErrAlreadyExists = errors.New("archive: record already exists")
)

// Record is an archived envelope with its delivery context.
type Record struct {
	ID          string         // Archive record ID
	EventID     string         // Envelope ID
	EventType   string         // Envelope routing key
	Topic       string         // Topic the envelope was published on
	UserID      string         // Originating user
	Source      string         // Originating service
	Payload     map[string]any // Wire form of the envelope
	PublishedAt time.Time
}

// Filter selects records from the archive. Zero-value fields are ignored.
type Filter struct {
	EventType string
	Topic     string
	UserID    string
	Source    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Store persists archive records.
type Store interface {
	// Save stores a record. Returns ErrAlreadyExists on a duplicate ID.
	Save(ctx context.Context, rec *Record) error

	// Get retrieves a record by envelope ID.
	Get(ctx context.Context, eventID string) (*Record, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// DeleteOlderThan removes records older than the given age and reports
	// how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// matches reports whether the record satisfies the filter's field
// constraints. Limit and Offset are applied by the caller.
func (f Filter) matches(rec *Record) bool {
	if f.EventType != "" && rec.EventType != f.EventType {
		return false
	}
	if f.Topic != "" && rec.Topic != f.Topic {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	if !f.StartTime.IsZero() && rec.PublishedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && rec.PublishedAt.After(f.EndTime) {
		return false
	}
	return true
}
