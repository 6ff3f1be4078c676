package locus

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Command type identifiers.
const (
	CommandDefineLocation       = "DefineLocation"
	CommandUpdateLocation       = "UpdateLocation"
	CommandSetParentLocation    = "SetParentLocation"
	CommandRemoveParentLocation = "RemoveParentLocation"
	CommandAddLocationMetadata  = "AddLocationMetadata"
	CommandArchiveLocation      = "ArchiveLocation"
	CommandReparentBatch        = "ReparentBatch"
)

// NewLocationID returns a random location id.
func NewLocationID() string {
	return uuid.NewString()
}

// locationCommand turns a command into the event it would append to state.
// state is nil when the location does not exist.
type locationCommand interface {
	AggregateCommand
	decide(state *Location, at time.Time) (Event, error)
}

// DefineLocation creates a location. An empty LocationID lets the handler
// generate one.
type DefineLocation struct {
	CommandBase
	LocationID      string           `json:"locationId,omitempty" validate:"max=128"`
	Name            string           `json:"name" validate:"required,max=256"`
	LocationType    LocationType     `json:"locationType" validate:"required,oneof=Physical Virtual Logical Hybrid"`
	Address         *Address         `json:"address,omitempty"`
	Coordinates     *GeoCoordinates  `json:"coordinates,omitempty"`
	VirtualLocation *VirtualLocation `json:"virtualLocation,omitempty"`
	ParentID        string           `json:"parentId,omitempty" validate:"max=128"`
	Reason          string           `json:"reason,omitempty" validate:"max=1024"`
}

func (DefineLocation) CommandType() string   { return CommandDefineLocation }
func (c DefineLocation) AggregateID() string { return c.LocationID }
func (c DefineLocation) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if c.LocationID != "" && c.ParentID == c.LocationID {
		return &ValidationError{CommandType: c.CommandType(), Field: "parentId", Message: "must differ from locationId"}
	}
	if _, err := NewSite(c.LocationType, SiteFields{
		Address:         c.Address,
		Coordinates:     c.Coordinates,
		VirtualLocation: c.VirtualLocation,
	}); err != nil {
		return err
	}
	return nil
}

func (c DefineLocation) decide(state *Location, at time.Time) (Event, error) {
	if state != nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, c.LocationID)
	}
	return LocationDefined{
		EventHeader:     Header(c.LocationID, at),
		Name:            c.Name,
		LocationType:    c.LocationType,
		Address:         cloneAddress(c.Address),
		Coordinates:     cloneCoordinates(c.Coordinates),
		VirtualLocation: cloneVirtual(c.VirtualLocation),
		ParentID:        c.ParentID,
		Reason:          c.Reason,
	}, nil
}

// UpdateLocation patches the name or site fields. Nil fields are left as they
// are; fields equal to the current value are dropped from the patch.
type UpdateLocation struct {
	CommandBase
	LocationID      string           `json:"locationId" validate:"required,max=128"`
	Name            *string          `json:"name,omitempty" validate:"omitempty,min=1,max=256"`
	Address         *Address         `json:"address,omitempty"`
	Coordinates     *GeoCoordinates  `json:"coordinates,omitempty"`
	VirtualLocation *VirtualLocation `json:"virtualLocation,omitempty"`
	Reason          string           `json:"reason,omitempty" validate:"max=1024"`
}

func (UpdateLocation) CommandType() string   { return CommandUpdateLocation }
func (c UpdateLocation) AggregateID() string { return c.LocationID }
func (c UpdateLocation) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if c.Name == nil && c.Address == nil && c.Coordinates == nil && c.VirtualLocation == nil {
		return &ValidationError{CommandType: c.CommandType(), Message: "at least one field must be set"}
	}
	return nil
}

func (c UpdateLocation) decide(state *Location, at time.Time) (Event, error) {
	var patch, previous LocationPatch
	current := Fields(state.site)

	if c.Name != nil && *c.Name != state.name {
		name, prev := *c.Name, state.name
		patch.Name, previous.Name = &name, &prev
	}
	if c.Address != nil && !reflect.DeepEqual(c.Address, current.Address) {
		patch.Address, previous.Address = cloneAddress(c.Address), current.Address
	}
	if c.Coordinates != nil && !reflect.DeepEqual(c.Coordinates, current.Coordinates) {
		patch.Coordinates, previous.Coordinates = cloneCoordinates(c.Coordinates), current.Coordinates
	}
	if c.VirtualLocation != nil && !reflect.DeepEqual(c.VirtualLocation, current.VirtualLocation) {
		patch.VirtualLocation, previous.VirtualLocation = cloneVirtual(c.VirtualLocation), current.VirtualLocation
	}

	if patch.IsEmpty() {
		return nil, transitionError(ErrNoOpRejected, EventLocationUpdated, state.id, "every field already has the requested value")
	}
	return LocationUpdated{
		EventHeader: Header(state.id, at),
		Patch:       patch,
		Previous:    previous,
		Reason:      c.Reason,
	}, nil
}

// SetParentLocation points a location at a parent.
type SetParentLocation struct {
	CommandBase
	LocationID string `json:"locationId" validate:"required,max=128"`
	ParentID   string `json:"parentId" validate:"required,max=128,nefield=LocationID"`
	Reason     string `json:"reason,omitempty" validate:"max=1024"`
}

func (SetParentLocation) CommandType() string   { return CommandSetParentLocation }
func (c SetParentLocation) AggregateID() string { return c.LocationID }
func (c SetParentLocation) Validate() error     { return validateStruct(c) }

func (c SetParentLocation) decide(state *Location, at time.Time) (Event, error) {
	if state.parentID == c.ParentID {
		return nil, transitionError(ErrNoOpRejected, EventParentLocationSet, state.id, "parent is already "+c.ParentID)
	}
	return ParentLocationSet{
		EventHeader:      Header(state.id, at),
		ParentID:         c.ParentID,
		PreviousParentID: state.parentID,
		Reason:           c.Reason,
	}, nil
}

// RemoveParentLocation makes a location a root.
type RemoveParentLocation struct {
	CommandBase
	LocationID string `json:"locationId" validate:"required,max=128"`
	Reason     string `json:"reason,omitempty" validate:"max=1024"`
}

func (RemoveParentLocation) CommandType() string   { return CommandRemoveParentLocation }
func (c RemoveParentLocation) AggregateID() string { return c.LocationID }
func (c RemoveParentLocation) Validate() error     { return validateStruct(c) }

func (c RemoveParentLocation) decide(state *Location, at time.Time) (Event, error) {
	if state.parentID == "" {
		return nil, transitionError(ErrNoOpRejected, EventParentLocationRemoved, state.id, "location has no parent")
	}
	return ParentLocationRemoved{
		EventHeader:      Header(state.id, at),
		PreviousParentID: state.parentID,
		Reason:           c.Reason,
	}, nil
}

// AddLocationMetadata sets one metadata entry.
type AddLocationMetadata struct {
	CommandBase
	LocationID string `json:"locationId" validate:"required,max=128"`
	Key        string `json:"key" validate:"required,max=128"`
	Value      string `json:"value" validate:"max=4096"`
	Reason     string `json:"reason,omitempty" validate:"max=1024"`
}

func (AddLocationMetadata) CommandType() string   { return CommandAddLocationMetadata }
func (c AddLocationMetadata) AggregateID() string { return c.LocationID }
func (c AddLocationMetadata) Validate() error     { return validateStruct(c) }

func (c AddLocationMetadata) decide(state *Location, at time.Time) (Event, error) {
	e := LocationMetadataAdded{
		EventHeader: Header(state.id, at),
		Key:         c.Key,
		Value:       c.Value,
		Reason:      c.Reason,
	}
	if prev, ok := state.metadata[c.Key]; ok {
		if prev == c.Value {
			return nil, transitionError(ErrNoOpRejected, EventLocationMetadataAdded, state.id,
				fmt.Sprintf("metadata %q already has this value", c.Key))
		}
		e.PreviousValue = &prev
	}
	return e, nil
}

// ArchiveLocation moves a location to its terminal state.
type ArchiveLocation struct {
	CommandBase
	LocationID string `json:"locationId" validate:"required,max=128"`
	Reason     string `json:"reason,omitempty" validate:"max=1024"`
}

func (ArchiveLocation) CommandType() string   { return CommandArchiveLocation }
func (c ArchiveLocation) AggregateID() string { return c.LocationID }
func (c ArchiveLocation) Validate() error     { return validateStruct(c) }

func (c ArchiveLocation) decide(state *Location, at time.Time) (Event, error) {
	return LocationArchived{
		EventHeader:  Header(state.id, at),
		Name:         state.name,
		LocationType: state.Type(),
		Reason:       c.Reason,
	}, nil
}

// ReparentBatch moves several locations at once. Either every move is
// committed or, after a failure, the moves already committed are reverted.
type ReparentBatch struct {
	CommandBase
	Moves  []ParentMove `json:"moves" validate:"required,min=1,dive"`
	Reason string       `json:"reason,omitempty" validate:"max=1024"`
}

func (ReparentBatch) CommandType() string { return CommandReparentBatch }
func (c ReparentBatch) Validate() error   { return validateStruct(c) }

// BatchResult lists the version each moved location reached.
type BatchResult struct {
	Versions map[string]int64
}

func cloneVirtual(v *VirtualLocation) *VirtualLocation {
	if v == nil {
		return nil
	}
	c := v.clone()
	return &c
}
