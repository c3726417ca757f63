package domain

import "time"

// WorkflowStats is the rolling per-workflow aggregate maintained by the tracker.
type WorkflowStats struct {
	WorkflowRef          string    `json:"workflowRef"`
	TotalExecutions      int64     `json:"totalExecutions"`
	SuccessfulExecutions int64     `json:"successfulExecutions"`
	FailedExecutions     int64     `json:"failedExecutions"`
	CanceledExecutions   int64     `json:"canceledExecutions"`
	AverageDurationMs    float64   `json:"averageDurationMs"`
	LastExecutionID      string    `json:"lastExecutionId,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Apply folds one finished execution into the aggregate using an incremental mean.
func (s *WorkflowStats) Apply(record *ExecutionRecord, now time.Time) {
	if s.WorkflowRef == "" {
		s.WorkflowRef = record.WorkflowRef
	}
	s.TotalExecutions++
	switch record.Status {
	case ExecutionStatusSuccess:
		s.SuccessfulExecutions++
	case ExecutionStatusError:
		s.FailedExecutions++
	case ExecutionStatusCanceled:
		s.CanceledExecutions++
	}
	s.AverageDurationMs += (float64(record.DurationMs) - s.AverageDurationMs) / float64(s.TotalExecutions)
	s.LastExecutionID = record.ID
	s.UpdatedAt = now
}

func (s *WorkflowStats) SuccessRate() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
}
