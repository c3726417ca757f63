// Package graphflow executes workflow graphs: directed acyclic graphs of typed
// nodes whose outputs flow along connections into their successors.
//
// A graphflow instance can run a graph synchronously, queue it for background
// workers with a priority, cancel or retry executions, and report execution
// history, per-workflow statistics and queue health. Node failures are
// classified so the retry policy and per-service circuit breakers can decide
// whether to try again.
//
// Basic usage:
//
//	manager, err := graphflow.New(graphflow.DefaultConfig().WithInMemoryStorage())
//	if err != nil {
//	    return err
//	}
//	defer manager.Stop()
//
//	graph, _ := graphflow.ParseGraph(data)
//	result, err := manager.ExecuteSync(ctx, graph, map[string]interface{}{"orderId": "o-1"})
package graphflow

import (
	"context"
	"time"

	"github.com/eleven-am/graphflow/internal/core"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/nodes"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Manager owns storage, the engine, the dispatch queue, events and the
// optional gRPC and observability servers of one instance.
type Manager = core.Manager

// Graph is a workflow submission: nodes, the connections between them and
// optional settings such as workflowId and errorWorkflow.
type Graph = domain.Graph

type NodeSpec = domain.NodeSpec

type Connection = domain.Connection

type Position = domain.Position

// ExecutionRecord is the persisted state of one execution.
type ExecutionRecord = domain.ExecutionRecord

type ExecutionMetadata = domain.ExecutionMetadata

// ExecutionResult is what ExecuteSync returns, including for failed runs.
type ExecutionResult = domain.ExecutionResult

type ExecutionStatus = domain.ExecutionStatus

type ExecutionMode = domain.ExecutionMode

type ExecutionLogEntry = domain.ExecutionLogEntry

type WorkflowStats = domain.WorkflowStats

type Priority = domain.Priority

type QueueStatus = domain.QueueStatus

type QueueCounts = domain.QueueCounts

type HealthStatus = domain.HealthStatus

type ValidationResult = ports.ValidationResult

// Node types

// NodePort is the interface every node type implements.
type NodePort = ports.NodePort

type NodeFactory = ports.NodeFactory

// NodeInput carries a node's properties and the data flowing into it.
type NodeInput = ports.NodeInput

type NodeExecutionResult = domain.NodeExecutionResult

type PropertiesSchema = ports.PropertiesSchema

type PropertySchema = ports.PropertySchema

type PropertyType = ports.PropertyType

// CircuitKeyed lets a node choose the circuit breaker it runs behind.
type CircuitKeyed = ports.CircuitKeyed

type CircuitBreakerMetrics = ports.CircuitBreakerMetrics

type RateLimiterMetrics = ports.RateLimiterMetrics

// NodeFunc is the body of a node built with WrapNode.
type NodeFunc[P any] core.NodeFunc[P]

type NodeOption = core.NodeOption

// Errors

// NodeError is what a node returns to classify its failure.
type NodeError = domain.NodeError

type ErrorClass = domain.ErrorClass

type GraphValidationError = domain.GraphValidationError

type TriggerExecutionError = domain.TriggerExecutionError

type NodeRegistrationError = domain.NodeRegistrationError

// Events

type ExecutionEvent = domain.ExecutionEvent

type NodeEvent = domain.NodeEvent

type EventType = domain.EventType

const (
	ExecutionStatusWaiting  = domain.ExecutionStatusWaiting
	ExecutionStatusRunning  = domain.ExecutionStatusRunning
	ExecutionStatusSuccess  = domain.ExecutionStatusSuccess
	ExecutionStatusError    = domain.ExecutionStatusError
	ExecutionStatusCanceled = domain.ExecutionStatusCanceled
)

const (
	ExecutionModeSync          = domain.ExecutionModeSync
	ExecutionModeQueued        = domain.ExecutionModeQueued
	ExecutionModeErrorWorkflow = domain.ExecutionModeErrorWorkflow
)

const (
	PriorityHigh   = domain.PriorityHigh
	PriorityNormal = domain.PriorityNormal
	PriorityLow    = domain.PriorityLow
)

const (
	ErrorClassUnknown        = domain.ErrorClassUnknown
	ErrorClassAuthentication = domain.ErrorClassAuthentication
	ErrorClassValidation     = domain.ErrorClassValidation
	ErrorClassConnection     = domain.ErrorClassConnection
	ErrorClassTimeout        = domain.ErrorClassTimeout
	ErrorClassRateLimit      = domain.ErrorClassRateLimit
	ErrorClassCircuitOpen    = domain.ErrorClassCircuitOpen
	ErrorClassInternal       = domain.ErrorClassInternal
)

const (
	PropertyString  = ports.PropertyString
	PropertyNumber  = ports.PropertyNumber
	PropertyBoolean = ports.PropertyBoolean
	PropertyObject  = ports.PropertyObject
	PropertyArray   = ports.PropertyArray
	PropertyAny     = ports.PropertyAny
)

const (
	EventExecutionStarted   = domain.EventExecutionStarted
	EventExecutionCompleted = domain.EventExecutionCompleted
	EventExecutionFailed    = domain.EventExecutionFailed
	EventExecutionCanceled  = domain.EventExecutionCanceled
	EventNodeCompleted      = domain.EventNodeCompleted
	EventNodeFailed         = domain.EventNodeFailed
)

// Built-in node types registered on every manager.
const (
	NodeTypeManualTrigger = nodes.TypeManualTrigger
	NodeTypeSet           = nodes.TypeSet
	NodeTypeNoop          = nodes.TypeNoop
	NodeTypeHTTPRequest   = nodes.TypeHTTPRequest
)

var (
	ErrInvalidGraph       = domain.ErrInvalidGraph
	ErrUnknownNodeType    = domain.ErrUnknownNodeType
	ErrInvalidProperties  = domain.ErrInvalidProperties
	ErrCircularDependency = domain.ErrCircularDependency
	ErrNoTriggerNode      = domain.ErrNoTriggerNode
	ErrCircuitOpen        = domain.ErrCircuitOpen
	ErrNodeTimeout        = domain.ErrNodeTimeout
	ErrExecutionCanceled  = domain.ErrExecutionCanceled
	ErrInvalidTransition  = domain.ErrInvalidTransition
	ErrNotFound           = domain.ErrNotFound
	ErrAlreadyExists      = domain.ErrAlreadyExists
	ErrInvalidInput       = domain.ErrInvalidInput
	ErrInvalidConfig      = domain.ErrInvalidConfig
	ErrClosed             = domain.ErrClosed
	ErrRateLimited        = domain.ErrRateLimited
)

// New builds a manager from config. Missing fields take their defaults and
// the result is validated before anything is opened. Call Start to run the
// queue workers and network servers; ExecuteSync works without it.
func New(config *Config) (*Manager, error) {
	return core.NewManager(config)
}

// ParseGraph decodes a graph from its JSON submission format.
func ParseGraph(data []byte) (*Graph, error) {
	return domain.ParseGraph(data)
}

func ParsePriority(s string) (Priority, error) {
	return domain.ParsePriority(s)
}

// WrapNode builds a node type from a typed function. The node's properties
// are decoded into P before fn runs.
//
// Example:
//
//	type SlackProps struct {
//	    Channel string `json:"channel"`
//	}
//
//	node := graphflow.WrapNode("slack_post", func(ctx context.Context, props SlackProps, in *graphflow.NodeInput) (map[string]interface{}, error) {
//	    if err := post(ctx, props.Channel, in.Data); err != nil {
//	        return nil, graphflow.NewConnectionError("slack unreachable", err)
//	    }
//	    return in.Data, nil
//	}, graphflow.WithSchema(graphflow.PropertiesSchema{
//	    "channel": {Type: graphflow.PropertyString, Required: true},
//	}))
//	manager.RegisterNode(node)
func WrapNode[P any](nodeType string, fn NodeFunc[P], opts ...NodeOption) NodePort {
	return core.WrapNode(nodeType, core.NodeFunc[P](fn), opts...)
}

func WithSchema(schema PropertiesSchema) NodeOption {
	return core.WithSchema(schema)
}

func WithTimeout(timeout time.Duration) NodeOption {
	return core.WithTimeout(timeout)
}

func WithPriority(priority int) NodeOption {
	return core.WithPriority(priority)
}

// WithoutAsync keeps a wrapped node out of concurrent fan-out.
func WithoutAsync() NodeOption {
	return core.WithoutAsync()
}

// IsRetryable reports whether the retry policy would try a node failure again.
func IsRetryable(err error) bool {
	return core.IsRetryable(err)
}

func IsValidationError(err error) bool {
	return domain.IsValidationError(err)
}

func IsTriggerError(err error) bool {
	return domain.IsTriggerError(err)
}

func IsCircuitOpen(err error) bool {
	return domain.IsCircuitOpen(err)
}

func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}

// ErrorClassOf returns the class a node attached to err, if any.
func ErrorClassOf(err error) (ErrorClass, bool) {
	return domain.ErrorClassOf(err)
}

func NewNodeError(class ErrorClass, message string, cause error) *NodeError {
	return domain.NewNodeError(class, message, cause)
}

func NewAuthenticationError(message string) *NodeError {
	return domain.NewAuthenticationError(message)
}

func NewConnectionError(message string, cause error) *NodeError {
	return domain.NewConnectionError(message, cause)
}

func NewRateLimitError(message string) *NodeError {
	return domain.NewRateLimitError(message)
}

func NewTimeoutError(message string, cause error) *NodeError {
	return domain.NewTimeoutError(message, cause)
}

func NewInputValidationError(message string) *NodeError {
	return domain.NewInputValidationError(message)
}

// NewSuccessResult is a convenience for NodePort implementations.
func NewSuccessResult(output map[string]interface{}) *NodeExecutionResult {
	return domain.NewSuccessResult(output)
}

// EventKey returns the key generic subscribers see for an execution event.
func EventKey(eventType EventType, executionID string) string {
	return domain.EventKey(eventType, executionID)
}

// RunSync is a one-shot helper: it builds an in-memory manager, runs graph
// once and stops the manager again.
func RunSync(ctx context.Context, graph *Graph, payload map[string]interface{}, register ...NodePort) (*ExecutionResult, error) {
	manager, err := New(DefaultConfig().WithInMemoryStorage())
	if err != nil {
		return nil, err
	}
	defer manager.Stop()

	for _, node := range register {
		if err := manager.RegisterNode(node); err != nil {
			return nil, err
		}
	}
	return manager.ExecuteSync(ctx, graph, payload)
}
