package locus

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotCodec serialises location state for the snapshot store.
type SnapshotCodec interface {
	// Name identifies the encoding; it is stored with each snapshot.
	Name() string

	Marshal(state LocationState) ([]byte, error)
	Unmarshal(data []byte) (LocationState, error)
}

// JSONSnapshotCodec is the default SnapshotCodec.
type JSONSnapshotCodec struct{}

// NewJSONSnapshotCodec creates a JSON snapshot codec.
func NewJSONSnapshotCodec() *JSONSnapshotCodec {
	return &JSONSnapshotCodec{}
}

// Name returns "json".
func (c *JSONSnapshotCodec) Name() string { return "json" }

// Marshal encodes state as JSON.
func (c *JSONSnapshotCodec) Marshal(state LocationState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, NewSerializationError("snapshot", "encode", err)
	}
	return data, nil
}

// Unmarshal decodes JSON state.
func (c *JSONSnapshotCodec) Unmarshal(data []byte) (LocationState, error) {
	var state LocationState
	if err := json.Unmarshal(data, &state); err != nil {
		return LocationState{}, NewSerializationError("snapshot", "decode", err)
	}
	return state, nil
}

// Snapshot is a cached Location at a version. It is never authoritative:
// it must equal the replay of events 1..Version.
type Snapshot struct {
	LocationID string
	Version    int64
	State      LocationState
	CreatedAt  time.Time
}

func snapshotOf(loc *Location) Snapshot {
	return Snapshot{LocationID: loc.ID(), Version: loc.Version(), State: loc.State()}
}

func (s Snapshot) restore() (*Location, error) {
	if s.State.ID != s.LocationID || s.State.Version != s.Version {
		return nil, fmt.Errorf("locus: snapshot header (%s@%d) does not match state (%s@%d)",
			s.LocationID, s.Version, s.State.ID, s.State.Version)
	}
	return FromState(s.State)
}
