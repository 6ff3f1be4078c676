package locus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// Upcaster rewrites a payload written at one schema version into the shape
// of the next version.
type Upcaster func(payload json.RawMessage) (json.RawMessage, error)

type eventEntry struct {
	typ           reflect.Type
	schemaVersion int
	upcasters     map[int]Upcaster // keyed by the version they upgrade from
}

// EventRegistry maps event type names to Go types, their current schema
// version and the upcasters that bring older payloads up to date.
type EventRegistry struct {
	mu      sync.RWMutex
	entries map[string]*eventEntry
}

// NewEventRegistry returns a registry with the six location events and the
// built-in upcasters registered.
func NewEventRegistry() *EventRegistry {
	r := &EventRegistry{entries: make(map[string]*eventEntry)}

	r.Register(LocationDefined{}, 2)
	r.Register(LocationUpdated{}, 2)
	r.Register(ParentLocationSet{}, 1)
	r.Register(ParentLocationRemoved{}, 1)
	r.Register(LocationMetadataAdded{}, 1)
	r.Register(LocationArchived{}, 1)

	r.RegisterUpcaster(EventLocationDefined, 1, upcastDefinedV1)
	r.RegisterUpcaster(EventLocationUpdated, 1, upcastUpdatedV1)

	return r
}

// Register adds an event type at its current schema version.
func (r *EventRegistry) Register(example Event, schemaVersion int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.entries[example.EventType()] = &eventEntry{
		typ:           t,
		schemaVersion: schemaVersion,
		upcasters:     make(map[int]Upcaster),
	}
}

// RegisterUpcaster registers u to upgrade eventType payloads from
// fromVersion to fromVersion+1.
func (r *EventRegistry) RegisterUpcaster(eventType string, fromVersion int, u Upcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[eventType]; ok {
		entry.upcasters[fromVersion] = u
	}
}

// SchemaVersion returns the current schema version of eventType, 0 if unknown.
func (r *EventRegistry) SchemaVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[eventType]; ok {
		return entry.schemaVersion
	}
	return 0
}

// RegisteredTypes returns the registered event type names, sorted.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Encode serialises event into a record at the current schema version.
func (r *EventRegistry) Encode(event Event, metadata adapters.Metadata) (adapters.EventRecord, error) {
	if event == nil {
		return adapters.EventRecord{}, NewSerializationError("nil", "encode", fmt.Errorf("event cannot be nil"))
	}

	data, err := json.Marshal(event)
	if err != nil {
		return adapters.EventRecord{}, NewSerializationError(event.EventType(), "encode", err)
	}

	return adapters.EventRecord{
		Type:          event.EventType(),
		SchemaVersion: r.SchemaVersion(event.EventType()),
		OccurredAt:    event.OccurredAt(),
		Data:          data,
		Metadata:      metadata,
	}, nil
}

// Decode upcasts a payload to the current schema version and decodes it.
func (r *EventRegistry) Decode(eventType string, schemaVersion int, payload []byte, header EventHeader) (Event, error) {
	r.mu.RLock()
	entry, ok := r.entries[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if len(payload) == 0 {
		return nil, NewSerializationError(eventType, "decode", fmt.Errorf("payload cannot be empty"))
	}

	// Records written before schema versions existed are version 1.
	if schemaVersion <= 0 {
		schemaVersion = 1
	}
	if schemaVersion > entry.schemaVersion {
		return nil, NewSerializationError(eventType, "decode",
			fmt.Errorf("schema version %d is newer than supported version %d", schemaVersion, entry.schemaVersion))
	}

	data := json.RawMessage(payload)
	for v := schemaVersion; v < entry.schemaVersion; v++ {
		up, ok := entry.upcasters[v]
		if !ok {
			return nil, NewSerializationError(eventType, "decode", fmt.Errorf("no upcaster from schema version %d", v))
		}
		var err error
		if data, err = up(data); err != nil {
			return nil, NewSerializationError(eventType, "upcast", err)
		}
	}

	ptr := reflect.New(entry.typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(eventType, "decode", err)
	}

	event, ok := ptr.Elem().Interface().(Event)
	if !ok {
		return nil, NewSerializationError(eventType, "decode", fmt.Errorf("%s does not implement Event", entry.typ))
	}
	return event.withHeader(header), nil
}

// DecodeStored decodes a stored event of the given location.
func (r *EventRegistry) DecodeStored(locationID string, stored adapters.StoredEvent) (RecordedEvent, error) {
	occurredAt := stored.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = stored.Timestamp
	}

	event, err := r.Decode(stored.Type, stored.SchemaVersion, stored.Data, Header(locationID, occurredAt))
	if err != nil {
		return RecordedEvent{}, err
	}

	return RecordedEvent{
		Event:      event,
		Version:    stored.Version,
		ID:         stored.ID,
		RecordedAt: stored.Timestamp,
	}, nil
}

// Envelope is the self-describing wire form of an event, used for
// publication and export.
type Envelope struct {
	Type          string          `json:"type"`
	AggregateID   string          `json:"aggregateId"`
	Version       int64           `json:"version"`
	OccurredAt    time.Time       `json:"occurredAt"`
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalEnvelope encodes event at version as an Envelope.
func (r *EventRegistry) MarshalEnvelope(event Event, version int64) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, NewSerializationError(event.EventType(), "encode", err)
	}

	return json.Marshal(Envelope{
		Type:          event.EventType(),
		AggregateID:   event.AggregateID(),
		Version:       version,
		OccurredAt:    event.OccurredAt().UTC(),
		SchemaVersion: r.SchemaVersion(event.EventType()),
		Payload:       payload,
	})
}

// UnmarshalEnvelope decodes an Envelope, upcasting its payload if needed.
func (r *EventRegistry) UnmarshalEnvelope(data []byte) (RecordedEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RecordedEvent{}, NewSerializationError("envelope", "decode", err)
	}

	event, err := r.Decode(env.Type, env.SchemaVersion, env.Payload, Header(env.AggregateID, env.OccurredAt))
	if err != nil {
		return RecordedEvent{}, err
	}
	return RecordedEvent{Event: event, Version: env.Version}, nil
}

// v1 coordinates used short keys and had no coordinate system.
type coordinatesV1 struct {
	Lat float64  `json:"lat"`
	Lng float64  `json:"lng"`
	Alt *float64 `json:"alt,omitempty"`
}

func (c coordinatesV1) upcast() *GeoCoordinates {
	return &GeoCoordinates{
		Latitude:         c.Lat,
		Longitude:        c.Lng,
		Altitude:         c.Alt,
		CoordinateSystem: DefaultCoordinateSystem,
	}
}

func upcastCoordinates(fields map[string]json.RawMessage) error {
	raw, ok := fields["coordinates"]
	if !ok || string(raw) == "null" {
		return nil
	}
	var old coordinatesV1
	if err := json.Unmarshal(raw, &old); err != nil {
		return fmt.Errorf("coordinates: %w", err)
	}
	upgraded, err := json.Marshal(old.upcast())
	if err != nil {
		return err
	}
	fields["coordinates"] = upgraded
	return nil
}

func upcastDefinedV1(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if err := upcastCoordinates(fields); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// v1 LocationUpdated was a flat patch without previous values.
func upcastUpdatedV1(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	if err := upcastCoordinates(fields); err != nil {
		return nil, err
	}

	patch := make(map[string]json.RawMessage)
	for _, key := range []string{"name", "address", "coordinates", "virtualLocation"} {
		if v, ok := fields[key]; ok && string(v) != "null" {
			patch[key] = v
		}
	}

	out := map[string]interface{}{
		"patch":    patch,
		"previous": map[string]interface{}{},
	}
	if reason, ok := fields["reason"]; ok {
		out["reason"] = reason
	}
	return json.Marshal(out)
}
