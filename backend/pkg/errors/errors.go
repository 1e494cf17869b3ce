package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInput represents bad ids, unknown type codes and missing required relations
	ErrorTypeInput ErrorType = "input"
	// ErrorTypeStorage represents graph store failures; always propagated, never retried
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeInvariant represents internal invariant violations
	ErrorTypeInvariant ErrorType = "invariant"
	// ErrorTypeTransport represents text-generation transport and model output errors
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Input Errors

// ErrNotFound is returned when a node id does not resolve
type ErrNotFound struct {
	*BaseError
	ID string
}

func NewNotFound(id string) *ErrNotFound {
	return &ErrNotFound{
		BaseError: NewBaseError(ErrorTypeInput, fmt.Sprintf("node not found: %s", id), nil),
		ID:        id,
	}
}

// ErrUnknownKind is returned when a stored or requested type code is not part of the vocabulary
type ErrUnknownKind struct {
	*BaseError
	Code string
}

func NewUnknownKind(code string) *ErrUnknownKind {
	return &ErrUnknownKind{
		BaseError: NewBaseError(ErrorTypeInput, fmt.Sprintf("unknown type code: %q", code), nil),
		Code:      code,
	}
}

// ErrMissingRelation is returned when a node lacks a relation it must have
type ErrMissingRelation struct {
	*BaseError
	NodeID   string
	Relation string
}

func NewMissingRelation(nodeID, relation string) *ErrMissingRelation {
	return &ErrMissingRelation{
		BaseError: NewBaseError(ErrorTypeInput, fmt.Sprintf("node %s has no %q relation", nodeID, relation), nil),
		NodeID:    nodeID,
		Relation:  relation,
	}
}

// ErrInvalidInput is returned for malformed request values
type ErrInvalidInput struct {
	*BaseError
	Field string
}

func NewInvalidInput(field, reason string) *ErrInvalidInput {
	return &ErrInvalidInput{
		BaseError: NewBaseError(ErrorTypeInput, fmt.Sprintf("invalid %s: %s", field, reason), nil),
		Field:     field,
	}
}

// Storage Errors

// ErrStorageFailed is returned when a graph store operation fails
type ErrStorageFailed struct {
	*BaseError
	Operation string
}

func NewStorageFailed(operation string, err error) *ErrStorageFailed {
	return &ErrStorageFailed{
		BaseError: NewBaseError(ErrorTypeStorage, fmt.Sprintf("storage operation failed: %s", operation), err),
		Operation: operation,
	}
}

// Invariant Errors

// ErrInvariantViolation is returned when stored data breaks a structural rule
type ErrInvariantViolation struct {
	*BaseError
	Rule string
}

func NewInvariantViolation(rule, detail string) *ErrInvariantViolation {
	return &ErrInvariantViolation{
		BaseError: NewBaseError(ErrorTypeInvariant, fmt.Sprintf("%s: %s", rule, detail), nil),
		Rule:      rule,
	}
}

// Transport Errors

// ErrTransportFailed boxes an unstructured transport or model failure with a readable cause
type ErrTransportFailed struct {
	*BaseError
	Prompt   string
	Model    string
	Attempts int
}

func NewTransportFailed(prompt, model string, attempts int, err error) *ErrTransportFailed {
	return &ErrTransportFailed{
		BaseError: NewBaseError(ErrorTypeTransport, fmt.Sprintf("model call %q failed after %d attempts", prompt, attempts), err),
		Prompt:    prompt,
		Model:     model,
		Attempts:  attempts,
	}
}

// ErrMalformedOutput is returned when the model answers with unusable structured output
type ErrMalformedOutput struct {
	*BaseError
	Prompt string
}

func NewMalformedOutput(prompt string, err error) *ErrMalformedOutput {
	return &ErrMalformedOutput{
		BaseError: NewBaseError(ErrorTypeTransport, fmt.Sprintf("malformed output for %q", prompt), err),
		Prompt:    prompt,
	}
}

// Config Errors

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Context Errors

// ErrContextTimeout is returned when context times out
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), nil),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Helper functions

// TypeOf returns the category of the first BaseError in the chain, or "" when there is none
func TypeOf(err error) ErrorType {
	var typed interface{ errorType() ErrorType }
	if errors.As(err, &typed) {
		return typed.errorType()
	}
	return ""
}

func (e *BaseError) errorType() ErrorType {
	return e.Type
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

// IsNotFound reports whether err carries a not-found input error
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// StatusCode maps an error to the HTTP status the façade answers with
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if IsNotFound(err) {
		return http.StatusNotFound
	}
	switch TypeOf(err) {
	case ErrorTypeInput:
		return http.StatusBadRequest
	case ErrorTypeInvariant:
		return http.StatusConflict
	case ErrorTypeTransport:
		return http.StatusBadGateway
	case ErrorTypeContext:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
