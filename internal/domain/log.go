package domain

import "time"

type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// ExecutionLogEntry is append-only. NodeID is empty for execution-level events.
type ExecutionLogEntry struct {
	ExecutionID string                 `json:"executionId"`
	NodeID      string                 `json:"nodeId,omitempty"`
	Level       LogLevel               `json:"level"`
	Message     string                 `json:"message"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Sequence    int64                  `json:"sequence"`
}
