package domain

import "time"

// Job is the unit of work carried by the dispatch queue. Its ID is the ID of
// the ExecutionRecord created at dispatch time.
type Job struct {
	ID          string                 `json:"id"`
	WorkflowRef string                 `json:"workflowRef"`
	Graph       *Graph                 `json:"graph"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Priority    Priority               `json:"priority"`
	Mode        ExecutionMode          `json:"mode"`
	EnqueuedAt  time.Time              `json:"enqueuedAt"`
	ClaimedAt   *time.Time             `json:"claimedAt,omitempty"`
	Attempts    int                    `json:"attempts"`
	LastError   string                 `json:"lastError,omitempty"`
}

type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

type QueueStatus struct {
	PerQueue map[Priority]QueueCounts `json:"perQueue"`
}

func (s QueueStatus) Totals() QueueCounts {
	var total QueueCounts
	for _, c := range s.PerQueue {
		total.Pending += c.Pending
		total.Processing += c.Processing
		total.Failed += c.Failed
	}
	return total
}

type HealthStatus struct {
	Score           int                      `json:"score"`
	PerQueueCounts  map[Priority]QueueCounts `json:"perQueueCounts"`
	Recommendations []string                 `json:"recommendations"`
	CheckedAt       time.Time                `json:"checkedAt"`
}
