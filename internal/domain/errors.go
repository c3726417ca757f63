package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph       = errors.New("invalid workflow graph")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrInvalidProperties  = errors.New("invalid node properties")
	ErrCircularDependency = errors.New("workflow contains circular dependencies")
	ErrNoTriggerNode      = errors.New("workflow has no trigger node")

	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit wait exceeded")
	ErrRoundLimitExceeded = errors.New("execution round limit exceeded")
	ErrNodeTimeout        = errors.New("node execution timed out")
	ErrNodePanic          = errors.New("node execution panicked")

	ErrInvalidTransition = errors.New("invalid execution status transition")
	ErrExecutionCanceled = errors.New("execution canceled")

	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrClosed         = errors.New("resource closed")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStarted = errors.New("already started")
)

// GraphValidationError collects every problem found while validating a graph.
// It unwraps to the sentinel of each reported problem.
type GraphValidationError struct {
	Problems []ValidationProblem
}

type ValidationProblem struct {
	NodeID  string
	Message string
	Err     error
}

func (e *GraphValidationError) Error() string {
	if len(e.Problems) == 0 {
		return ErrInvalidGraph.Error()
	}
	return "graph validation failed: " + strings.Join(e.Messages(), "; ")
}

func (e *GraphValidationError) Messages() []string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Message)
	}
	return msgs
}

func (e *GraphValidationError) Unwrap() []error {
	errs := []error{ErrInvalidGraph}
	for _, p := range e.Problems {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errs
}

func (e *GraphValidationError) Add(nodeID string, err error, format string, args ...interface{}) {
	e.Problems = append(e.Problems, ValidationProblem{
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	})
}

func (e *GraphValidationError) HasProblems() bool {
	return len(e.Problems) > 0
}

// ErrOrNil returns the validation error only when problems were recorded.
func (e *GraphValidationError) ErrOrNil() error {
	if e == nil || !e.HasProblems() {
		return nil
	}
	return e
}

type TriggerExecutionError struct {
	NodeID string
	Err    error
}

func (e *TriggerExecutionError) Error() string {
	return fmt.Sprintf("trigger node %s failed: %v", e.NodeID, e.Err)
}

func (e *TriggerExecutionError) Unwrap() error {
	return e.Err
}

type NodeExecutionError struct {
	NodeID   string
	NodeType string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) failed after %d attempt(s): %v", e.NodeID, e.NodeType, e.Attempts, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

type NodeRegistrationError struct {
	NodeType string
	Reason   string
}

func (e *NodeRegistrationError) Error() string {
	return "node registration failed for '" + e.NodeType + "': " + e.Reason
}

type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Op: op, Key: key, Err: err}
}

func IsValidationError(err error) bool {
	var validationErr *GraphValidationError
	return errors.As(err, &validationErr)
}

func IsTriggerError(err error) bool {
	var triggerErr *TriggerExecutionError
	return errors.As(err, &triggerErr)
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
