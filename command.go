package locus

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Command represents an intent to change one or more locations.
type Command interface {
	// CommandType returns the type identifier for this command (e.g., "DefineLocation").
	CommandType() string

	// Validate checks the command's shape. It does not consult any store.
	Validate() error
}

// AggregateCommand is a command that targets a single location.
type AggregateCommand interface {
	Command

	// AggregateID returns the targeted location id. It is empty for a
	// DefineLocation that lets the handler generate one.
	AggregateID() string
}

// CommandBase carries tracing fields shared by every command. Embed it in
// command types; the handler records these fields as event metadata.
type CommandBase struct {
	// CommandID is an optional unique identifier for this command instance.
	CommandID string `json:"commandId,omitempty"`

	// CorrelationID links related commands and events.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this command.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies the actor.
	UserID string `json:"userId,omitempty"`

	// Metadata contains arbitrary key-value pairs recorded with the event.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WithCorrelationID returns a copy of CommandBase with the correlation ID set.
func (c CommandBase) WithCorrelationID(id string) CommandBase {
	c.CorrelationID = id
	return c
}

// WithCausationID returns a copy of CommandBase with the causation ID set.
func (c CommandBase) WithCausationID(id string) CommandBase {
	c.CausationID = id
	return c
}

// WithUserID returns a copy of CommandBase with the user ID set.
func (c CommandBase) WithUserID(id string) CommandBase {
	c.UserID = id
	return c
}

// WithMetadata returns a copy of CommandBase with a metadata key-value pair added.
func (c CommandBase) WithMetadata(key, value string) CommandBase {
	meta := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[key] = value
	c.Metadata = meta
	return c
}

func (c CommandBase) base() CommandBase { return c }

// CommandResult is the outcome of a command.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool

	// AggregateID is the location affected. For a DefineLocation without an
	// id this is the generated id.
	AggregateID string

	// Version is the location's version after the command.
	Version int64

	// Data contains additional result data, e.g. the versions of a batch.
	Data interface{}

	// Error contains the error if the command failed.
	Error error
}

// NewSuccessResult creates a successful CommandResult.
func NewSuccessResult(aggregateID string, version int64) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
	}
}

// NewSuccessResultWithData creates a successful CommandResult with additional data.
func NewSuccessResultWithData(aggregateID string, version int64, data interface{}) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
		Data:        data,
	}
}

// NewErrorResult creates a failed CommandResult.
func NewErrorResult(err error) CommandResult {
	return CommandResult{Error: err}
}

// IsSuccess returns true if the command executed successfully.
func (r CommandResult) IsSuccess() bool {
	return r.Success && r.Error == nil
}

// IsError returns true if the command failed.
func (r CommandResult) IsError() bool {
	return !r.Success || r.Error != nil
}

// MultiValidationError collects every field failure of a command.
type MultiValidationError struct {
	CommandType string
	Errors      []*ValidationError
}

// Error returns the error message.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Field + ": " + fe.Message
	}
	return fmt.Sprintf("locus: validation failed for command %q: %s", e.CommandType, strings.Join(msgs, "; "))
}

// Is reports whether this error matches the target error.
func (e *MultiValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the first error for errors.Unwrap().
func (e *MultiValidationError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// AddField adds a validation error for a specific field.
func (e *MultiValidationError) AddField(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{CommandType: e.CommandType, Field: field, Message: message})
}

// HasErrors returns true if there are any validation errors.
func (e *MultiValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// NewMultiValidationError creates a new MultiValidationError.
func NewMultiValidationError(cmdType string) *MultiValidationError {
	return &MultiValidationError{CommandType: cmdType}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(jsonFieldName)
	})
	return validate
}

// validateStruct runs the `validate` struct tags of cmd and converts the
// failures into a MultiValidationError.
func validateStruct(cmd Command) error {
	err := structValidator().Struct(cmd)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{CommandType: cmd.CommandType(), Message: err.Error(), Cause: err}
	}

	multi := NewMultiValidationError(cmd.CommandType())
	for _, fe := range fieldErrs {
		multi.AddField(fieldPath(fe.Namespace()), describeTag(fe))
	}
	return multi
}

// fieldPath drops the leading struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param()
	case "uuid":
		return "must be a UUID"
	case "oneof":
		return "must be one of " + fe.Param()
	case "nefield":
		return "must differ from " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}
