package domain

import "time"

// NodeExecutionResult is produced once per node execution and never modified afterwards.
type NodeExecutionResult struct {
	Success      bool                   `json:"success"`
	OutputData   map[string]interface{} `json:"outputData,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	ErrorClass   ErrorClass             `json:"errorClass,omitempty"`
	Attempts     int                    `json:"attempts"`
	Duration     time.Duration          `json:"duration"`
	Cause        error                  `json:"-"`
}

func NewSuccessResult(output map[string]interface{}) *NodeExecutionResult {
	if output == nil {
		output = map[string]interface{}{}
	}
	return &NodeExecutionResult{Success: true, OutputData: output}
}

func NewFailureResult(err error) *NodeExecutionResult {
	result := &NodeExecutionResult{Success: false, Cause: err}
	if err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorClass, _ = ErrorClassOf(err)
	}
	return result
}

// WithAttempts returns a copy stamped with attempt and timing information.
func (r *NodeExecutionResult) WithAttempts(attempts int, elapsed time.Duration) *NodeExecutionResult {
	cp := *r
	cp.Attempts = attempts
	cp.Duration = elapsed
	return &cp
}

// Err returns the failure cause, synthesising one from ErrorMessage when needed.
func (r *NodeExecutionResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Cause != nil {
		return r.Cause
	}
	return NewNodeError(r.ErrorClass, r.ErrorMessage, nil)
}
