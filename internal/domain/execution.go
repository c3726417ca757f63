package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusWaiting  ExecutionStatus = "waiting"
	ExecutionStatusRunning  ExecutionStatus = "running"
	ExecutionStatusSuccess  ExecutionStatus = "success"
	ExecutionStatusError    ExecutionStatus = "error"
	ExecutionStatusCanceled ExecutionStatus = "canceled"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCanceled:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusWaiting: {ExecutionStatusRunning, ExecutionStatusCanceled},
	ExecutionStatusRunning: {ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCanceled},
}

func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ExecutionMode string

const (
	ExecutionModeSync          ExecutionMode = "sync"
	ExecutionModeQueued        ExecutionMode = "queued"
	ExecutionModeErrorWorkflow ExecutionMode = "error_workflow"
)

type ExecutionMetadata struct {
	NodeExecutions       int               `json:"nodeExecutions"`
	TotalExecutionTimeMs int64             `json:"totalExecutionTime"`
	FailedNodes          int               `json:"failedNodes"`
	RetriedAttempts      int               `json:"retriedAttempts"`
	RoundsExecuted       int               `json:"roundsExecuted"`
	RoundLimitReached    bool              `json:"roundLimitReached,omitempty"`
	SkippedNodes         []string          `json:"skippedNodes,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
}

// ExecutionRecord is one run of a workflow graph. It is mutated only by the
// goroutine coordinating that run.
type ExecutionRecord struct {
	ID           string                            `json:"id"`
	WorkflowRef  string                            `json:"workflowRef"`
	Status       ExecutionStatus                   `json:"status"`
	Mode         ExecutionMode                     `json:"mode"`
	Priority     Priority                          `json:"priority,omitempty"`
	CreatedAt    time.Time                         `json:"createdAt"`
	StartedAt    *time.Time                        `json:"startedAt,omitempty"`
	FinishedAt   *time.Time                        `json:"finishedAt,omitempty"`
	DurationMs   int64                             `json:"durationMs"`
	InputData    map[string]interface{}            `json:"inputData,omitempty"`
	OutputData   map[string]interface{}            `json:"outputData,omitempty"`
	NodeOutputs  map[string]map[string]interface{} `json:"nodeOutputs,omitempty"`
	ErrorMessage string                            `json:"errorMessage,omitempty"`
	RetryCount   int                               `json:"retryCount"`
	Metadata     ExecutionMetadata                 `json:"metadata"`
}

func NewExecutionRecord(workflowRef string, mode ExecutionMode, input map[string]interface{}) *ExecutionRecord {
	return &ExecutionRecord{
		ID:          uuid.NewString(),
		WorkflowRef: workflowRef,
		Status:      ExecutionStatusWaiting,
		Mode:        mode,
		CreatedAt:   time.Now(),
		InputData:   input,
	}
}

func (r *ExecutionRecord) Transition(next ExecutionStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

func (r *ExecutionRecord) Start(now time.Time) error {
	if err := r.Transition(ExecutionStatusRunning); err != nil {
		return err
	}
	r.StartedAt = &now
	return nil
}

// Finish moves the record into a terminal status and stamps FinishedAt.
// A record can only be finished once.
func (r *ExecutionRecord) Finish(status ExecutionStatus, now time.Time, errMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	if r.FinishedAt != nil {
		return fmt.Errorf("%w: execution %s already finished", ErrInvalidTransition, r.ID)
	}
	if err := r.Transition(status); err != nil {
		return err
	}
	r.FinishedAt = &now
	if r.StartedAt != nil {
		r.DurationMs = now.Sub(*r.StartedAt).Milliseconds()
	}
	r.ErrorMessage = errMessage
	return nil
}

func (r *ExecutionRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

func (r *ExecutionRecord) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// ExecutionResult is what a synchronous caller gets back.
type ExecutionResult struct {
	ExecutionID  string                            `json:"executionId"`
	WorkflowRef  string                            `json:"workflowRef"`
	Status       ExecutionStatus                   `json:"status"`
	Output       map[string]interface{}            `json:"output"`
	NodeOutputs  map[string]map[string]interface{} `json:"nodeOutputs,omitempty"`
	FailedNodes  map[string]string                 `json:"failedNodes,omitempty"`
	SkippedNodes []string                          `json:"skippedNodes,omitempty"`
	ErrorMessage string                            `json:"errorMessage,omitempty"`
	DurationMs   int64                             `json:"durationMs"`
	Degraded     bool                              `json:"degraded,omitempty"`
}

func (r *ExecutionResult) Succeeded() bool {
	return r.Status == ExecutionStatusSuccess
}

// PrepareRetry returns a failed or canceled record to waiting so it can run
// again under the same ID. Run output from the previous attempt is dropped.
func (r *ExecutionRecord) PrepareRetry() error {
	if r.Status != ExecutionStatusError && r.Status != ExecutionStatusCanceled {
		return fmt.Errorf("%w: cannot retry a %s execution", ErrInvalidTransition, r.Status)
	}
	r.Status = ExecutionStatusWaiting
	r.StartedAt = nil
	r.FinishedAt = nil
	r.DurationMs = 0
	r.OutputData = nil
	r.NodeOutputs = nil
	r.ErrorMessage = ""
	r.RetryCount++
	r.Metadata = ExecutionMetadata{Labels: r.Metadata.Labels}
	return nil
}
