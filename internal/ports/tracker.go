package ports

import (
	"context"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
)

type ExecutionTracker interface {
	RecordNodeOutcome(ctx context.Context, record *domain.ExecutionRecord, nodeID string, result *domain.NodeExecutionResult, elapsed time.Duration) error
	RecordExecutionOutcome(ctx context.Context, record *domain.ExecutionRecord) (*domain.WorkflowStats, error)
	Log(ctx context.Context, executionID, nodeID string, level domain.LogLevel, message string, fields map[string]interface{}) error
}
