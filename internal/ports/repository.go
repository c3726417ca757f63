package ports

import (
	"context"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
)

type ExecutionRepository interface {
	SaveExecution(ctx context.Context, record *domain.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, workflowRef string) ([]*domain.ExecutionRecord, error)

	AppendLog(ctx context.Context, entry *domain.ExecutionLogEntry) error
	ListLogs(ctx context.Context, executionID string) ([]domain.ExecutionLogEntry, error)

	GetStats(ctx context.Context, workflowRef string) (*domain.WorkflowStats, error)
	// UpdateStats runs fn as one atomic read-modify-write of the stats for workflowRef.
	UpdateStats(ctx context.Context, workflowRef string, ttl time.Duration, fn func(stats *domain.WorkflowStats) error) (*domain.WorkflowStats, error)
}
