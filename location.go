package locus

import (
	"fmt"
	"strings"
	"time"
)

// LocationType names the variant of a location.
type LocationType string

const (
	Physical LocationType = "Physical"
	Virtual  LocationType = "Virtual"
	Logical  LocationType = "Logical"
	Hybrid   LocationType = "Hybrid"
)

// ParseLocationType accepts the canonical names case-insensitively.
func ParseLocationType(s string) (LocationType, error) {
	for _, t := range []LocationType{Physical, Virtual, Logical, Hybrid} {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", NewValidationError("locationType", fmt.Sprintf("unknown location type %q", s))
}

// Site is the type-specific part of a location. Exactly one variant is
// active per location: PhysicalSite, VirtualSite, LogicalSite or HybridSite.
type Site interface {
	Type() LocationType
	validate() error
	clone() Site
}

// PhysicalSite is a place with an address, coordinates or both.
type PhysicalSite struct {
	Address     *Address
	Coordinates *GeoCoordinates
}

// VirtualSite is an online presence. It has no physical attributes.
type VirtualSite struct {
	Virtual VirtualLocation
}

// LogicalSite is an organisational grouping. Coordinates are optional.
type LogicalSite struct {
	Coordinates *GeoCoordinates
}

// HybridSite is an online presence anchored to a physical place.
type HybridSite struct {
	Virtual     VirtualLocation
	Address     *Address
	Coordinates *GeoCoordinates
}

func (PhysicalSite) Type() LocationType { return Physical }
func (VirtualSite) Type() LocationType  { return Virtual }
func (LogicalSite) Type() LocationType  { return Logical }
func (HybridSite) Type() LocationType   { return Hybrid }

func (s PhysicalSite) validate() error {
	if s.Address == nil && s.Coordinates == nil {
		return invalidForType(Physical, "address", "physical locations require an address or coordinates")
	}
	return validatePlace(s.Address, s.Coordinates)
}

func (s VirtualSite) validate() error {
	return s.Virtual.Validate()
}

func (s LogicalSite) validate() error {
	return validatePlace(nil, s.Coordinates)
}

func (s HybridSite) validate() error {
	if s.Address == nil && s.Coordinates == nil {
		return invalidForType(Hybrid, "address", "hybrid locations require an address or coordinates")
	}
	if err := s.Virtual.Validate(); err != nil {
		return err
	}
	return validatePlace(s.Address, s.Coordinates)
}

func (s PhysicalSite) clone() Site {
	return PhysicalSite{Address: cloneAddress(s.Address), Coordinates: cloneCoordinates(s.Coordinates)}
}

func (s VirtualSite) clone() Site {
	return VirtualSite{Virtual: s.Virtual.clone()}
}

func (s LogicalSite) clone() Site {
	return LogicalSite{Coordinates: cloneCoordinates(s.Coordinates)}
}

func (s HybridSite) clone() Site {
	return HybridSite{
		Virtual:     s.Virtual.clone(),
		Address:     cloneAddress(s.Address),
		Coordinates: cloneCoordinates(s.Coordinates),
	}
}

func validatePlace(addr *Address, coords *GeoCoordinates) error {
	if addr != nil {
		if err := addr.Validate(); err != nil {
			return err
		}
	}
	if coords != nil {
		if err := coords.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SiteFields is the flat form of a Site used by events and commands.
type SiteFields struct {
	Address         *Address         `json:"address,omitempty"`
	Coordinates     *GeoCoordinates  `json:"coordinates,omitempty"`
	VirtualLocation *VirtualLocation `json:"virtualLocation,omitempty"`
}

// NewSite builds the variant for t from flat fields and checks the per-type
// rules: Physical needs an address or coordinates; Virtual needs a virtual
// location and no physical attributes; Logical forbids address and virtual
// location; Hybrid needs a virtual location plus an address or coordinates.
func NewSite(t LocationType, f SiteFields) (Site, error) {
	var site Site
	switch t {
	case Physical:
		if f.VirtualLocation != nil {
			return nil, invalidForType(t, "virtualLocation", "not allowed")
		}
		site = PhysicalSite{Address: cloneAddress(f.Address), Coordinates: cloneCoordinates(f.Coordinates)}
	case Virtual:
		if f.Address != nil {
			return nil, invalidForType(t, "address", "not allowed")
		}
		if f.Coordinates != nil {
			return nil, invalidForType(t, "coordinates", "not allowed")
		}
		if f.VirtualLocation == nil {
			return nil, invalidForType(t, "virtualLocation", "required")
		}
		site = VirtualSite{Virtual: f.VirtualLocation.clone()}
	case Logical:
		if f.Address != nil {
			return nil, invalidForType(t, "address", "not allowed")
		}
		if f.VirtualLocation != nil {
			return nil, invalidForType(t, "virtualLocation", "not allowed")
		}
		site = LogicalSite{Coordinates: cloneCoordinates(f.Coordinates)}
	case Hybrid:
		if f.VirtualLocation == nil {
			return nil, invalidForType(t, "virtualLocation", "required")
		}
		site = HybridSite{
			Virtual:     f.VirtualLocation.clone(),
			Address:     cloneAddress(f.Address),
			Coordinates: cloneCoordinates(f.Coordinates),
		}
	default:
		return nil, NewValidationError("locationType", fmt.Sprintf("unknown location type %q", t))
	}

	if err := site.validate(); err != nil {
		return nil, err
	}
	return site, nil
}

// Fields flattens a site.
func Fields(s Site) SiteFields {
	switch v := s.clone().(type) {
	case PhysicalSite:
		return SiteFields{Address: v.Address, Coordinates: v.Coordinates}
	case VirtualSite:
		return SiteFields{VirtualLocation: &v.Virtual}
	case LogicalSite:
		return SiteFields{Coordinates: v.Coordinates}
	case HybridSite:
		return SiteFields{Address: v.Address, Coordinates: v.Coordinates, VirtualLocation: &v.Virtual}
	}
	return SiteFields{}
}

// Location is the aggregate root. Values are immutable: Apply returns a new
// Location and never changes its input.
type Location struct {
	id        string
	version   int64
	name      string
	site      Site
	parentID  string
	metadata  map[string]string
	archived  bool
	createdAt time.Time
	updatedAt time.Time
}

// ID returns the location identifier.
func (l *Location) ID() string { return l.id }

// Version returns the number of events applied.
func (l *Location) Version() int64 { return l.version }

// Name returns the location's name.
func (l *Location) Name() string { return l.name }

// Type returns the active variant.
func (l *Location) Type() LocationType { return l.site.Type() }

// Site returns a copy of the type-specific data.
func (l *Location) Site() Site { return l.site.clone() }

// ParentID returns the parent id and whether one is set.
func (l *Location) ParentID() (string, bool) { return l.parentID, l.parentID != "" }

// Archived reports whether the location reached its terminal state.
func (l *Location) Archived() bool { return l.archived }

// CreatedAt returns the occurrence time of the defining event.
func (l *Location) CreatedAt() time.Time { return l.createdAt }

// UpdatedAt returns the occurrence time of the latest event.
func (l *Location) UpdatedAt() time.Time { return l.updatedAt }

// Address returns the postal address for Physical and Hybrid locations.
func (l *Location) Address() (Address, bool) {
	f := Fields(l.site)
	if f.Address == nil {
		return Address{}, false
	}
	return *f.Address, true
}

// Coordinates returns the coordinates if the location has them.
func (l *Location) Coordinates() (GeoCoordinates, bool) {
	f := Fields(l.site)
	if f.Coordinates == nil {
		return GeoCoordinates{}, false
	}
	return *f.Coordinates, true
}

// VirtualLocation returns the virtual part for Virtual and Hybrid locations.
func (l *Location) VirtualLocation() (VirtualLocation, bool) {
	f := Fields(l.site)
	if f.VirtualLocation == nil {
		return VirtualLocation{}, false
	}
	return *f.VirtualLocation, true
}

// Metadata returns a copy of the metadata map.
func (l *Location) Metadata() map[string]string {
	out := cloneStrings(l.metadata)
	if out == nil {
		out = map[string]string{}
	}
	return out
}

// MetadataValue returns a single metadata entry.
func (l *Location) MetadataValue(key string) (string, bool) {
	v, ok := l.metadata[key]
	return v, ok
}

func (l *Location) clone() *Location {
	out := *l
	out.site = l.site.clone()
	out.metadata = cloneStrings(l.metadata)
	return &out
}

// LocationState is the flat, serialisable form of a Location used by
// snapshots and the CLI.
type LocationState struct {
	ID              string            `json:"id" msgpack:"id"`
	Version         int64             `json:"version" msgpack:"version"`
	Name            string            `json:"name" msgpack:"name"`
	LocationType    LocationType      `json:"locationType" msgpack:"locationType"`
	Address         *Address          `json:"address,omitempty" msgpack:"address,omitempty"`
	Coordinates     *GeoCoordinates   `json:"coordinates,omitempty" msgpack:"coordinates,omitempty"`
	VirtualLocation *VirtualLocation  `json:"virtualLocation,omitempty" msgpack:"virtualLocation,omitempty"`
	ParentID        string            `json:"parentId,omitempty" msgpack:"parentId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Archived        bool              `json:"archived" msgpack:"archived"`
	CreatedAt       time.Time         `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt" msgpack:"updatedAt"`
}

// State flattens the location.
func (l *Location) State() LocationState {
	f := Fields(l.site)
	return LocationState{
		ID:              l.id,
		Version:         l.version,
		Name:            l.name,
		LocationType:    l.site.Type(),
		Address:         f.Address,
		Coordinates:     f.Coordinates,
		VirtualLocation: f.VirtualLocation,
		ParentID:        l.parentID,
		Metadata:        cloneStrings(l.metadata),
		Archived:        l.archived,
		CreatedAt:       l.createdAt,
		UpdatedAt:       l.updatedAt,
	}
}

// FromState rebuilds a Location, re-checking the per-type rules.
func FromState(s LocationState) (*Location, error) {
	if s.ID == "" {
		return nil, NewValidationError("id", "must not be empty")
	}
	if s.Version < 1 {
		return nil, NewValidationError("version", "must be at least 1")
	}
	site, err := NewSite(s.LocationType, SiteFields{
		Address:         s.Address,
		Coordinates:     s.Coordinates,
		VirtualLocation: s.VirtualLocation,
	})
	if err != nil {
		return nil, err
	}
	return &Location{
		id:        s.ID,
		version:   s.Version,
		name:      s.Name,
		site:      site,
		parentID:  s.ParentID,
		metadata:  cloneStrings(s.Metadata),
		archived:  s.Archived,
		createdAt: EventTime(s.CreatedAt),
		updatedAt: EventTime(s.UpdatedAt),
	}, nil
}

func cloneAddress(a *Address) *Address {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

func cloneCoordinates(c *GeoCoordinates) *GeoCoordinates {
	if c == nil {
		return nil
	}
	out := *c
	if c.Altitude != nil {
		alt := *c.Altitude
		out.Altitude = &alt
	}
	return &out
}
