package ports

import (
	"context"

	"github.com/eleven-am/graphflow/internal/domain"
)

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

type EnginePort interface {
	Validate(graph *domain.Graph) ValidationResult
	ValidateGraph(graph *domain.Graph) error
	Run(ctx context.Context, record *domain.ExecutionRecord, graph *domain.Graph) (*domain.ExecutionResult, error)
	Cancel(executionID string) bool
}

type DispatcherPort interface {
	Dispatch(ctx context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority) (string, error)
	GetQueueStatus() (domain.QueueStatus, error)
	GetHealthStatus() (domain.HealthStatus, error)
	Cancel(ctx context.Context, jobID string) error
	RetryFailed(ctx context.Context, jobID string) error
}
