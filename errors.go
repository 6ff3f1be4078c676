package locus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors; the typed errors below match them.
var (
	// ErrOutOfSequence indicates an event applied to the wrong starting state,
	// e.g. anything but LocationDefined on an empty aggregate.
	ErrOutOfSequence = errors.New("locus: event out of sequence")

	// ErrTerminalStateViolation indicates an event applied after archival.
	ErrTerminalStateViolation = errors.New("locus: location is archived")

	// ErrInvalidFieldForType indicates a field that the location type does not allow.
	ErrInvalidFieldForType = errors.New("locus: invalid field for location type")

	// ErrNoOpRejected indicates a semantically void mutation.
	ErrNoOpRejected = errors.New("locus: no-op mutation rejected")

	// ErrAlreadyArchived indicates a second archival. It also matches
	// ErrTerminalStateViolation.
	ErrAlreadyArchived = errors.New("locus: location already archived")

	// ErrCycleDetected indicates that a parent assignment would close a cycle.
	ErrCycleDetected = errors.New("locus: hierarchy cycle detected")

	// ErrHierarchyDepthExceeded indicates an ancestor chain longer than the limit.
	ErrHierarchyDepthExceeded = errors.New("locus: hierarchy depth exceeded")

	// ErrVersionConflict indicates an optimistic concurrency violation.
	ErrVersionConflict = adapters.ErrConcurrencyConflict

	// ErrNotFound indicates an unknown location id.
	ErrNotFound = errors.New("locus: location not found")

	// ErrAlreadyExists indicates a DefineLocation for an id that already has events.
	ErrAlreadyExists = errors.New("locus: location already exists")

	// ErrStoreUnavailable indicates an infrastructure failure.
	ErrStoreUnavailable = adapters.ErrStoreUnavailable

	// ErrConcurrencyExhausted indicates that version conflicts persisted
	// through every retry.
	ErrConcurrencyExhausted = errors.New("locus: concurrency retries exhausted")

	// ErrCycleDetectedPostCommit indicates that a committed parent assignment
	// formed a cycle with a concurrent edit and was compensated.
	ErrCycleDetectedPostCommit = errors.New("locus: hierarchy cycle detected after commit")

	// ErrValidationFailed indicates an invalid command or event payload.
	ErrValidationFailed = errors.New("locus: validation failed")

	// ErrSerializationFailed indicates event or snapshot encoding failed.
	ErrSerializationFailed = errors.New("locus: serialization failed")

	// ErrUnknownEventType indicates a stored event type with no decoder.
	ErrUnknownEventType = errors.New("locus: unknown event type")

	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("locus: handler not found")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("locus: nil command")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("locus: handler panicked")

	// ErrCommandBusClosed indicates the command bus has been closed.
	ErrCommandBusClosed = errors.New("locus: command bus closed")
)

// TransitionError reports why Apply refused an event.
type TransitionError struct {
	EventType  string
	LocationID string
	Kind       error
	Reason     string
	Cause      error
}

// Error returns the error message.
func (e *TransitionError) Error() string {
	what := e.EventType
	if what == "" {
		what = "command"
	}
	msg := fmt.Sprintf("locus: cannot apply %s to location %q: %v", what, e.LocationID, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports whether this error matches the target error.
func (e *TransitionError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrAlreadyArchived && target == ErrTerminalStateViolation
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *TransitionError) Unwrap() error {
	return e.Cause
}

func transitionError(kind error, eventType, locationID, reason string) *TransitionError {
	return &TransitionError{EventType: eventType, LocationID: locationID, Kind: kind, Reason: reason}
}

// FieldTypeError reports a field that the location type forbids or requires.
type FieldTypeError struct {
	LocationType LocationType
	Field        string
	Message      string
}

// Error returns the error message.
func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("locus: field %q on %s location: %s", e.Field, e.LocationType, e.Message)
}

// Is reports whether this error matches the target error.
func (e *FieldTypeError) Is(target error) bool {
	return target == ErrInvalidFieldForType
}

func invalidForType(t LocationType, field, message string) *FieldTypeError {
	return &FieldTypeError{LocationType: t, Field: field, Message: message}
}

// NotFoundError reports an unknown location id.
type NotFoundError struct {
	LocationID string
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("locus: location %q not found", e.LocationID)
}

// Is reports whether this error matches the target error.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(id string) *NotFoundError {
	return &NotFoundError{LocationID: id}
}

// CycleError reports a parent assignment that would close a cycle.
// Path lists the walk from the proposed parent up to the repeated id.
type CycleError struct {
	ChildID  string
	ParentID string
	Path     []string
}

// Error returns the error message.
func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("locus: setting parent of %q to %q would create a cycle", e.ChildID, e.ParentID)
	}
	return fmt.Sprintf("locus: setting parent of %q to %q would create a cycle: %s",
		e.ChildID, e.ParentID, strings.Join(e.Path, " -> "))
}

// Is reports whether this error matches the target error.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// DepthExceededError reports an ancestor walk that did not terminate within MaxDepth.
type DepthExceededError struct {
	StartID  string
	MaxDepth int
}

// Error returns the error message.
func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("locus: ancestor chain from %q exceeds max depth %d", e.StartID, e.MaxDepth)
}

// Is reports whether this error matches the target error.
func (e *DepthExceededError) Is(target error) bool {
	return target == ErrHierarchyDepthExceeded
}

// ConcurrencyExhaustedError reports that every retry hit a version conflict.
type ConcurrencyExhaustedError struct {
	LocationID string
	Attempts   int
	Last       error
}

// Error returns the error message.
func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("locus: gave up on location %q after %d attempts: %v", e.LocationID, e.Attempts, e.Last)
}

// Is reports whether this error matches the target error.
func (e *ConcurrencyExhaustedError) Is(target error) bool {
	return target == ErrConcurrencyExhausted
}

// Unwrap returns the last conflict.
func (e *ConcurrencyExhaustedError) Unwrap() error {
	return e.Last
}

// PostCommitCycleError reports a committed parent assignment that formed a
// cycle with a concurrent edit. CompensatedVersion is the version of the
// compensating ParentLocationRemoved event, zero if compensation failed.
type PostCommitCycleError struct {
	ChildID            string
	ParentID           string
	CommittedVersion   int64
	CompensatedVersion int64
	Cycle              error
	CompensationErr    error
}

// Error returns the error message.
func (e *PostCommitCycleError) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("locus: parent %q of %q formed a cycle after commit (version %d); compensation failed: %v",
			e.ParentID, e.ChildID, e.CommittedVersion, e.CompensationErr)
	}
	return fmt.Sprintf("locus: parent %q of %q formed a cycle after commit (version %d); reverted at version %d",
		e.ParentID, e.ChildID, e.CommittedVersion, e.CompensatedVersion)
}

// Is reports whether this error matches the target error.
func (e *PostCommitCycleError) Is(target error) bool {
	return target == ErrCycleDetectedPostCommit
}

// Unwrap returns the detected cycle.
func (e *PostCommitCycleError) Unwrap() error {
	return e.Cycle
}

// ValidationError represents an invalid command or value.
type ValidationError struct {
	// CommandType is the type of command that failed validation (optional).
	CommandType string

	// Field is the field that failed validation (optional).
	Field string

	// Message describes the validation failure.
	Message string

	// Cause is the underlying error (optional).
	Cause error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("locus: validation failed")
	if e.CommandType != "" {
		fmt.Fprintf(&b, " for command %q", e.CommandType)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "encode" or "decode"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("locus: failed to %s %q: %v", e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, Operation: operation, Cause: cause}
}

// HandlerNotFoundError provides detailed information about a missing handler.
type HandlerNotFoundError struct {
	CommandType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("locus: no handler registered for command type %q", e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// NewHandlerNotFoundError creates a new HandlerNotFoundError.
func NewHandlerNotFoundError(cmdType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{CommandType: cmdType}
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string

	// Command is the JSON form of the command, if it could be encoded.
	Command string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("locus: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack string) *PanicError {
	return &PanicError{CommandType: cmdType, Value: value, Stack: stack}
}

// IsRetryable reports whether err is a version conflict or a store outage.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrStoreUnavailable)
}

// IsValidation reports whether err indicates a logically invalid request.
// Such errors are never retried.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrOutOfSequence,
		ErrTerminalStateViolation,
		ErrInvalidFieldForType,
		ErrNoOpRejected,
		ErrCycleDetected,
		ErrHierarchyDepthExceeded,
		ErrValidationFailed,
		ErrAlreadyExists,
		ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
