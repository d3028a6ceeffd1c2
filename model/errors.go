package model

import (
	"errors"
	"fmt"
	"time"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrUnknownMachine     = "UNKNOWN_MACHINE"
	ErrUnknownState       = "UNKNOWN_STATE"
	ErrUnknownPolicy      = "UNKNOWN_POLICY"
	ErrInvalidTransition  = "INVALID_TRANSITION"
	ErrNegativeElapsed    = "NEGATIVE_ELAPSED_TIME"
	ErrPrerequisiteNotMet = "PREREQUISITE_NOT_MET"
	ErrEntityNotFound     = "ENTITY_NOT_FOUND"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Enveloper is implemented by domain errors that know their API representation.
type Enveloper interface {
	Envelope() *ErrorEnvelope
}

// AsEnvelope converts err into an ErrorEnvelope. Domain errors are unwrapped
// through any fmt.Errorf chain; anything unrecognised becomes INTERNAL_ERROR.
func AsEnvelope(err error) *ErrorEnvelope {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	var en Enveloper
	if errors.As(err, &en) {
		return en.Envelope()
	}
	return NewInternalError()
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewEntityNotFoundError returns an ENTITY_NOT_FOUND error.
func NewEntityNotFoundError(entityID string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEntityNotFound, Message: fmt.Sprintf("entity %q not found", entityID)}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// --- Domain errors ---

// UnknownMachineError reports a state-machine name the registry does not know.
type UnknownMachineError struct {
	Machine string
}

func (e *UnknownMachineError) Error() string {
	return fmt.Sprintf("unknown machine %q", e.Machine)
}

// Envelope implements Enveloper.
func (e *UnknownMachineError) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownMachine, Message: e.Error()}
}

// UnknownStateError reports a state ID absent from the named machine.
type UnknownStateError struct {
	Machine string
	State   string
}

func (e *UnknownStateError) Error() string {
	return fmt.Sprintf("unknown state %q in machine %q", e.State, e.Machine)
}

// Envelope implements Enveloper.
func (e *UnknownStateError) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownState, Message: e.Error()}
}

// UnknownPolicyError reports an SLA policy key that is not configured.
type UnknownPolicyError struct {
	Key string
}

func (e *UnknownPolicyError) Error() string {
	return fmt.Sprintf("unknown compliance policy %q", e.Key)
}

// Envelope implements Enveloper.
func (e *UnknownPolicyError) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnknownPolicy, Message: e.Error()}
}

// InvalidTransitionError reports a transition that is not in the machine's
// transition table.
type InvalidTransitionError struct {
	Machine string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot move %s from %s to %s", e.Machine, e.From, e.To)
}

// Envelope implements Enveloper.
func (e *InvalidTransitionError) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: e.Error(),
		Details: []FieldError{{Field: "to", Code: ErrInvalidTransition, Message: e.To}},
	}
}

// PrerequisiteNotMetError reports a cross-entity rule that blocks entering a
// stage, such as a candidate departing before the visa is issued.
type PrerequisiteNotMetError struct {
	Machine     string
	To          string
	Requires    Prerequisite
	LinkedStage string
}

func (e *PrerequisiteNotMetError) Error() string {
	have := e.LinkedStage
	if have == "" {
		have = "none"
	}
	return fmt.Sprintf("%s cannot enter %s: requires %s at %s or later (currently %s)",
		e.Machine, e.To, e.Requires.Machine, e.Requires.MinStage, have)
}

// Envelope implements Enveloper.
func (e *PrerequisiteNotMetError) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPrerequisiteNotMet, Message: e.Error()}
}

// NegativeElapsedTimeError reports a "now" earlier than the reference time.
type NegativeElapsedTimeError struct {
	ReferenceTime time.Time
	Now           time.Time
}

func (e *NegativeElapsedTimeError) Error() string {
	return fmt.Sprintf("now %s is before reference time %s",
		e.Now.Format(time.RFC3339), e.ReferenceTime.Format(time.RFC3339))
}

// Envelope implements Enveloper.
func (e *NegativeElapsedTimeError) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNegativeElapsed, Message: e.Error()}
}

// DispatcherFailure wraps a notification error raised after a transition was
// committed. It is reported, never returned as the transition's error.
type DispatcherFailure struct {
	EntityID string
	Machine  string
	To       string
	Err      error
}

func (e *DispatcherFailure) Error() string {
	return fmt.Sprintf("notify %s %s -> %s: %v", e.Machine, e.EntityID, e.To, e.Err)
}

func (e *DispatcherFailure) Unwrap() error {
	return e.Err
}
