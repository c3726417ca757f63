package domain

import "time"

type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCanceled  EventType = "execution.canceled"
	EventNodeCompleted      EventType = "node.completed"
	EventNodeFailed         EventType = "node.failed"
)

// ExecutionEvent reports a status change of an ExecutionRecord.
type ExecutionEvent struct {
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"executionId"`
	WorkflowRef string                 `json:"workflowRef"`
	Status      ExecutionStatus        `json:"status"`
	Mode        ExecutionMode          `json:"mode"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DurationMs  int64                  `json:"durationMs"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NodeEvent reports the final outcome of one node in an execution.
type NodeEvent struct {
	Type        EventType  `json:"type"`
	ExecutionID string     `json:"executionId"`
	NodeID      string     `json:"nodeId"`
	Attempts    int        `json:"attempts"`
	DurationMs  int64      `json:"durationMs"`
	Error       string     `json:"error,omitempty"`
	ErrorClass  ErrorClass `json:"errorClass,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// EventKey is the key generic subscribers match patterns against,
// e.g. "execution.completed:<execution id>".
func EventKey(eventType EventType, executionID string) string {
	return string(eventType) + ":" + executionID
}

// NodeEventKey extends EventKey with the node ID,
// e.g. "node.failed:<execution id>:<node id>".
func NodeEventKey(eventType EventType, executionID, nodeID string) string {
	return EventKey(eventType, executionID) + ":" + nodeID
}
