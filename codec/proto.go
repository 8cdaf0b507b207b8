package codec

import (
	"errors"

	"github.com/rbaliyan/eventbus/envelope"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers, encoding the envelope wire
// map as a google.protobuf.Struct. This keeps the open metadata map without
// requiring a generated schema; values must be JSON-compatible.
type Proto struct{}

// Encode serializes an envelope to protobuf bytes.
func (c Proto) Encode(env *envelope.Envelope) ([]byte, error) {
	s, err := structpb.NewStruct(env.ToMap())
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes and validates protobuf bytes.
func (c Proto) Decode(data []byte) (*envelope.Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	env, err := envelope.FromMap(s.AsMap())
	if err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return env, nil
}

// ContentType returns the MIME type for protobuf.
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier.
func (c Proto) Name() string {
	return "proto"
}

// Compile-time check
var _ Codec = Proto{}
