// Package codec provides wire codecs for envelopes crossing a process
// boundary (broker-backed queues, archive payloads, external collaborators).
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protobuf Struct (binary, schema-based via google.protobuf.Struct)
//
// Decoding always re-validates through envelope.FromMap, so malformed wire
// data fails at the boundary with a validation error, never at dispatch.
package codec

import (
	"errors"

	"github.com/rbaliyan/eventbus/envelope"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
)

// Codec serializes envelopes for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env *envelope.Envelope) ([]byte, error)

	// Decode deserializes and validates bytes into an envelope.
	// Returns ErrDecodeFailure if deserialization or validation fails.
	Decode(data []byte) (*envelope.Envelope, error)

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier ("json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
