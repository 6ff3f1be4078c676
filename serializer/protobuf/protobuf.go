// Package protobuf provides a Protocol Buffers snapshot codec.
//
// The state is carried as a google.protobuf.Struct, so snapshots can be
// inspected with any protobuf tooling without a generated schema.
package protobuf

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AshkanYarmoradi/go-locus"
)

// Name is the encoding recorded with protobuf snapshots.
const Name = "protobuf"

// Codec implements locus.SnapshotCodec.
type Codec struct {
	deterministic bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithDeterministic makes Marshal emit map entries in a stable order.
func WithDeterministic() Option {
	return func(c *Codec) {
		c.deterministic = true
	}
}

// NewCodec creates a protobuf codec.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns "protobuf".
func (c *Codec) Name() string { return Name }

// Marshal encodes state as a serialized google.protobuf.Struct.
func (c *Codec) Marshal(state locus.LocationState) ([]byte, error) {
	st, err := toStruct(state)
	if err != nil {
		return nil, locus.NewSerializationError("snapshot", "encode", err)
	}
	data, err := proto.MarshalOptions{Deterministic: c.deterministic}.Marshal(st)
	if err != nil {
		return nil, locus.NewSerializationError("snapshot", "encode", err)
	}
	return data, nil
}

// Unmarshal decodes state.
func (c *Codec) Unmarshal(data []byte) (locus.LocationState, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return locus.LocationState{}, locus.NewSerializationError("snapshot", "decode", err)
	}

	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return locus.LocationState{}, locus.NewSerializationError("snapshot", "decode", err)
	}
	var state locus.LocationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return locus.LocationState{}, locus.NewSerializationError("snapshot", "decode", err)
	}
	return state, nil
}

// toStruct goes through the JSON form so field names match the JSON codec.
func toStruct(state locus.LocationState) (*structpb.Struct, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

var _ locus.SnapshotCodec = (*Codec)(nil)
