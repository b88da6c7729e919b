package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies why a backend call did not produce a usable answer.
type FailureKind string

const (
	// FailureNetwork means the request never completed (transport error, open breaker).
	FailureNetwork FailureKind = "network"
	// FailureProtocol means the backend answered with a non-success status.
	FailureProtocol FailureKind = "protocol"
	// FailureFormat means the body was not the JSON that was expected.
	FailureFormat FailureKind = "format"
)

// APIError represents a failed backend call
type APIError struct {
	Kind    FailureKind `json:"kind"`
	Status  int         `json:"status,omitempty"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s failure: %s", e.Kind, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s failure", e.Kind)
}

// Unwrap returns the underlying transport error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the backend answered 404.
func (e *APIError) NotFound() bool {
	return e.Kind == FailureProtocol && e.Status == http.StatusNotFound
}

// NewNetworkError wraps a transport failure.
func NewNetworkError(err error) *APIError {
	return &APIError{Kind: FailureNetwork, Message: err.Error(), Err: err}
}

// NewProtocolError builds the error for a non-success status. The message is
// the response body when there is one, else the status text.
func NewProtocolError(status int, body string) *APIError {
	msg := body
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Kind: FailureProtocol, Status: status, Message: msg}
}

// NewFormatError builds the error for a body that is not the expected JSON.
func NewFormatError(status int, message string) *APIError {
	return &APIError{Kind: FailureFormat, Status: status, Message: message}
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

var (
	// ErrNotReady is returned when the feature catalog holds no definitions.
	ErrNotReady = errors.New("feature catalog not ready")
	// ErrFeedbackNotReady is returned when feedback is submitted outside the ChoiceMade state.
	ErrFeedbackNotReady = errors.New("feedback cannot be submitted in the current state")
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
)
