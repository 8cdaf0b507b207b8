// Package envelope defines the canonical, validated event envelope exchanged
// over the bus.
//
// An Envelope carries a dotted routing key (Type), the owning user, free-form
// metadata, and an ordered history of prior envelope snapshots. Envelopes are
// constructed once from an inbound payload (FromMap) or programmatically (New),
// validated at construction, and immutable afterwards except for AppendHistory.
//
// The wire form (ToMap / JSON) is:
//
//	{
//	    "id":        "f47ac10b58cc4372a5670e02b2c3d479",
//	    "timestamp": "2024-01-01T10:00:00Z",
//	    "source":    "api",
//	    "type":      "llm.chat",
//	    "userID":    "user-1",
//	    "metadata":  {...},
//	    "history":   []
//	}
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports a malformed or missing envelope field. It is
// returned at construction time only; a successfully constructed Envelope
// never fails validation at dispatch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

// IsValidation checks if an error is an envelope validation failure.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// Envelope is the unit of communication on the bus.
type Envelope struct {
	ID        string
	Timestamp time.Time
	Source    string
	Type      string
	UserID    string
	Metadata  map[string]any
	History   []map[string]any
	Kind      Kind
}

// ID generation fallback counter, used only if the random source fails.
var idCounter uint64

// NewID generates a new envelope ID: 32 lowercase hexadecimal characters.
func NewID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%032x", atomic.AddUint64(&idCounter, 1))
	}
	return hex.EncodeToString(u[:])
}

// Option configures an Envelope built by New.
type Option func(*Envelope)

// WithSource sets the producer identifier.
func WithSource(source string) Option {
	return func(e *Envelope) {
		e.Source = source
	}
}

// WithID sets an explicit envelope ID instead of generating one.
func WithID(id string) Option {
	return func(e *Envelope) {
		e.ID = id
	}
}

// WithTimestamp sets an explicit timestamp instead of the current time.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = t.UTC()
	}
}

// WithMetadata merges the given keys into the envelope metadata.
func WithMetadata(meta map[string]any) Option {
	return func(e *Envelope) {
		maps.Copy(e.Metadata, meta)
	}
}

// WithMetaValue sets a single metadata key.
func WithMetaValue(key string, value any) Option {
	return func(e *Envelope) {
		e.Metadata[key] = value
	}
}

// WithHistory sets the initial history sequence.
func WithHistory(history []map[string]any) Option {
	return func(e *Envelope) {
		e.History = history
	}
}

// New builds and validates an envelope. The ID and timestamp are generated
// unless supplied via options. The payload contract enforced depends on the
// Kind derived from eventType; see KindForType.
func New(eventType, userID string, opts ...Option) (*Envelope, error) {
	e := &Envelope{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		UserID:    userID,
		Metadata:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Kind = KindForType(e.Type)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// FromMap parses a generic payload into a validated Envelope.
//
// The user identifier is read from "userID" (wire form) or "user_id". The
// timestamp may be an RFC-3339 string (with or without zone designator,
// zoneless values are taken as UTC) or a numeric POSIX epoch in seconds.
// A missing ID is generated. History, when present, must be a sequence of
// objects. Subtype payload contracts (chat, voice) are enforced according
// to the Kind derived from the routing key.
func FromMap(payload map[string]any) (*Envelope, error) {
	if payload == nil {
		return nil, &ValidationError{Field: "payload", Reason: "must not be nil"}
	}

	userID := firstString(payload, "userID", "user_id")
	if userID == "" {
		return nil, &ValidationError{Field: "userID", Reason: "must be a non-empty string"}
	}

	rawTS, ok := payload["timestamp"]
	if !ok || rawTS == nil {
		return nil, &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return nil, &ValidationError{Field: "timestamp", Reason: err.Error()}
	}

	id, _ := payload["id"].(string)
	if id == "" {
		id = NewID()
	}
	source, _ := payload["source"].(string)
	eventType, _ := payload["type"].(string)

	var metadata map[string]any
	if raw, present := payload["metadata"]; present && raw != nil {
		metadata, ok = raw.(map[string]any)
		if !ok {
			return nil, &ValidationError{Field: "metadata", Reason: "must be an object"}
		}
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}

	var history []map[string]any
	if raw, present := payload["history"]; present && raw != nil {
		seq, ok := asSequence(raw)
		if !ok {
			return nil, &ValidationError{Field: "history", Reason: "must be a sequence"}
		}
		history = make([]map[string]any, 0, len(seq))
		for i, item := range seq {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, &ValidationError{
					Field:  fmt.Sprintf("history[%d]", i),
					Reason: "must be an object",
				}
			}
			history = append(history, entry)
		}
	}

	e := &Envelope{
		ID:        id,
		Timestamp: ts,
		Source:    source,
		Type:      eventType,
		UserID:    userID,
		Metadata:  metadata,
		History:   history,
		Kind:      KindForType(eventType),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the base invariants and the Kind payload contract.
func (e *Envelope) Validate() error {
	if e.UserID == "" {
		return &ValidationError{Field: "userID", Reason: "must be a non-empty string"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	return e.Kind.validate(e.Metadata)
}

// ToMap renders the envelope back to primitive types. The timestamp is
// normalized to RFC-3339 UTC with explicit designator; history defaults
// to an empty sequence. ToMap is the inverse of FromMap for every field
// that passed validation.
func (e *Envelope) ToMap() map[string]any {
	history := make([]any, len(e.History))
	for i, entry := range e.History {
		history[i] = maps.Clone(entry)
	}
	return map[string]any{
		"id":        e.ID,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":    e.Source,
		"type":      e.Type,
		"userID":    e.UserID,
		"metadata":  maps.Clone(e.Metadata),
		"history":   history,
	}
}

// AppendHistory appends a snapshot of prior to the history sequence. This is
// the only permitted mutation after construction, used by handlers that
// republish a derived envelope.
func (e *Envelope) AppendHistory(prior *Envelope) {
	if prior == nil {
		return
	}
	e.History = append(e.History, prior.ToMap())
}

// Clone returns a copy with its own metadata map and history slice.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Metadata = maps.Clone(e.Metadata)
	clone.History = slices.Clone(e.History)
	return &clone
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s[%s]", e.Type, e.ID)
}

// MarshalJSON renders the wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

// UnmarshalJSON parses and validates the wire form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	parsed, err := FromMap(payload)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// ParseTimestamp converts the accepted timestamp representations to a UTC
// instant. Strings are parsed as RFC-3339, with or without zone designator;
// numbers are POSIX epoch seconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case string:
		layouts := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999999",
			"2006-01-02T15:04:05",
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparsable timestamp %q", ts)
	case float64:
		sec, frac := math.Modf(ts)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	case int:
		return time.Unix(int64(ts), 0).UTC(), nil
	case int64:
		return time.Unix(ts, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(ts), 0).UTC(), nil
	case json.Number:
		f, err := ts.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("unparsable timestamp %q", ts.String())
		}
		return ParseTimestamp(f)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// firstString returns the first of the named keys holding a non-empty string.
func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// asSequence normalizes the sequence representations produced by JSON,
// MessagePack, and native Go callers.
func asSequence(v any) ([]any, bool) {
	switch seq := v.(type) {
	case []any:
		return seq, true
	case []map[string]any:
		out := make([]any, len(seq))
		for i, item := range seq {
			out[i] = item
		}
		return out, true
	default:
		return nil, false
	}
}
