package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing client input. Maps to 400.
	ErrValidation = errors.New("validation failed")
	// ErrUpstreamUnavailable marks a failing payment, custody, facilitator or RPC dependency.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrPaymentRejected marks a single metering attempt whose payment was not accepted.
	ErrPaymentRejected = errors.New("payment rejected")
	// ErrAdvisoryReadFailure marks a failed contract-state read used only for reporting.
	ErrAdvisoryReadFailure = errors.New("advisory read failed")
	// ErrRunNotComplete is returned when a run is reset before it has completed.
	ErrRunNotComplete = errors.New("policy run is not complete")
	// ErrSettlementNotFound is returned when no settlement matches a custody transaction.
	ErrSettlementNotFound = errors.New("settlement not found")
)

// ValidationError describes which input field was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets callers match any ValidationError with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StepError reports which step of a multi-step settlement flow failed.
type StepError struct {
	Flow string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s step failed: %v", e.Flow, e.Step, e.Err)
}

// Unwrap exposes both the upstream classification and the underlying cause.
func (e *StepError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}
