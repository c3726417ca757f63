package domain

import (
	"errors"
	"fmt"
)

// ErrorClass groups node failures by how the retry policy should treat them.
type ErrorClass string

const (
	ErrorClassUnknown        ErrorClass = "unknown"
	ErrorClassAuthentication ErrorClass = "authentication"
	ErrorClassValidation     ErrorClass = "validation"
	ErrorClassConnection     ErrorClass = "connection"
	ErrorClassTimeout        ErrorClass = "timeout"
	ErrorClassRateLimit      ErrorClass = "rate_limit"
	ErrorClassCircuitOpen    ErrorClass = "circuit_open"
	ErrorClassInternal       ErrorClass = "internal"
)

func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassConnection, ErrorClassTimeout, ErrorClassRateLimit:
		return true
	default:
		return false
	}
}

// NodeError is the error a node implementation returns to tell the engine
// what kind of failure happened.
type NodeError struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *NodeError) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func NewNodeError(class ErrorClass, message string, cause error) *NodeError {
	return &NodeError{Class: class, Message: message, Err: cause}
}

func NewAuthenticationError(message string) *NodeError {
	return NewNodeError(ErrorClassAuthentication, message, nil)
}

func NewConnectionError(message string, cause error) *NodeError {
	return NewNodeError(ErrorClassConnection, message, cause)
}

func NewRateLimitError(message string) *NodeError {
	return NewNodeError(ErrorClassRateLimit, message, nil)
}

func NewTimeoutError(message string, cause error) *NodeError {
	return NewNodeError(ErrorClassTimeout, message, cause)
}

func NewInputValidationError(message string) *NodeError {
	return NewNodeError(ErrorClassValidation, message, nil)
}

func ErrorClassOf(err error) (ErrorClass, bool) {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr.Class, true
	}
	return ErrorClassUnknown, false
}
