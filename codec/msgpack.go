package codec

import (
	"errors"

	"github.com/rbaliyan/eventbus/envelope"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization. MessagePack is
// a binary format that is more compact than JSON while keeping schema-less
// flexibility, which suits the open metadata map.
type MsgPack struct{}

// Encode serializes an envelope to MessagePack bytes.
func (c MsgPack) Encode(env *envelope.Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env.ToMap())
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes and validates MessagePack bytes.
func (c MsgPack) Decode(data []byte) (*envelope.Envelope, error) {
	var payload map[string]any
	if err := msgpack.Unmarshal(data, &payload); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	env, err := envelope.FromMap(payload)
	if err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return env, nil
}

// ContentType returns the MIME type for MessagePack.
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier.
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
