package codec

import (
	"encoding/json"
	"errors"

	"github.com/rbaliyan/eventbus/envelope"
)

// JSON implements Codec using JSON serialization. This is the default codec,
// producing the wire form described in the envelope package.
type JSON struct{}

// Encode serializes an envelope to JSON bytes.
func (c JSON) Encode(env *envelope.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes and validates JSON bytes.
func (c JSON) Decode(data []byte) (*envelope.Envelope, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	env, err := envelope.FromMap(payload)
	if err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return env, nil
}

// ContentType returns the MIME type for JSON.
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier.
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
