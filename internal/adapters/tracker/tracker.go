package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

var (
	keyNodeExecutions     = []string{"node", "executions"}
	keyNodeFailures       = []string{"node", "failures"}
	keyNodeRetries        = []string{"node", "retries"}
	keyNodeDuration       = []string{"node", "duration"}
	keyExecutionCompleted = []string{"execution", "completed"}
	keyExecutionDuration  = []string{"execution", "duration"}
)

// Tracker records node and execution outcomes into the repository and the
// in-memory metrics sink.
type Tracker struct {
	repo    ports.ExecutionRepository
	config  domain.TrackerConfig
	metrics *metrics.Metrics
	sink    *metrics.InmemSink
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(repo ports.ExecutionRepository, config domain.TrackerConfig, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: tracker requires a repository", domain.ErrInvalidInput)
	}

	defaults := domain.DefaultTrackerConfig()
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = defaults.MetricsInterval
	}
	if config.MetricsRetain <= 0 {
		config.MetricsRetain = defaults.MetricsRetain
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}
	if config.StatsTTL <= 0 {
		config.StatsTTL = defaults.StatsTTL
	}

	sink := metrics.NewInmemSink(config.MetricsInterval, config.MetricsRetain)

	metricsConfig := metrics.DefaultConfig(config.ServiceName)
	metricsConfig.EnableHostname = false
	metricsConfig.EnableRuntimeMetrics = false
	metricsConfig.EnableServiceLabel = false

	m, err := metrics.New(metricsConfig, sink)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &Tracker{
		repo:    repo,
		config:  config,
		metrics: m,
		sink:    sink,
		logger:  logger.With("component", "tracker"),
		now:     time.Now,
	}, nil
}

var _ ports.ExecutionTracker = (*Tracker)(nil)

// RecordNodeOutcome must only be called by the goroutine coordinating the
// execution, since it mutates record.Metadata.
func (t *Tracker) RecordNodeOutcome(ctx context.Context, record *domain.ExecutionRecord, nodeID string, result *domain.NodeExecutionResult, elapsed time.Duration) error {
	if record == nil || result == nil {
		return fmt.Errorf("%w: record and result are required", domain.ErrInvalidInput)
	}

	meta := &record.Metadata
	meta.NodeExecutions++
	meta.TotalExecutionTimeMs += elapsed.Milliseconds()
	if result.Attempts > 1 {
		meta.RetriedAttempts += result.Attempts - 1
	}

	labels := []metrics.Label{
		{Name: "workflow", Value: record.WorkflowRef},
		{Name: "node", Value: nodeID},
	}
	t.metrics.IncrCounterWithLabels(keyNodeExecutions, 1, labels)
	t.metrics.AddSampleWithLabels(keyNodeDuration, float32(elapsed.Milliseconds()), labels)
	if result.Attempts > 1 {
		t.metrics.IncrCounterWithLabels(keyNodeRetries, float32(result.Attempts-1), labels)
	}

	entry := &domain.ExecutionLogEntry{
		ExecutionID: record.ID,
		NodeID:      nodeID,
		Timestamp:   t.now(),
		Context: map[string]interface{}{
			"success":     result.Success,
			"attempts":    result.Attempts,
			"duration_ms": elapsed.Milliseconds(),
		},
	}

	if result.Success {
		entry.Level = domain.LogLevelInfo
		entry.Message = "node executed successfully"
	} else {
		meta.FailedNodes++
		t.metrics.IncrCounterWithLabels(keyNodeFailures, 1, append(labels, metrics.Label{Name: "class", Value: string(result.ErrorClass)}))

		entry.Level = domain.LogLevelError
		entry.Message = "node execution failed"
		entry.Context["error"] = result.ErrorMessage
		entry.Context["error_class"] = string(result.ErrorClass)
	}

	if err := t.repo.AppendLog(ctx, entry); err != nil {
		t.logger.Error("failed to append node log", "execution_id", record.ID, "node_id", nodeID, "error", err)
		return err
	}
	return nil
}

// RecordExecutionOutcome folds a finished execution into its workflow's rolling stats.
func (t *Tracker) RecordExecutionOutcome(ctx context.Context, record *domain.ExecutionRecord) (*domain.WorkflowStats, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: record is required", domain.ErrInvalidInput)
	}
	if !record.IsTerminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", domain.ErrInvalidTransition, record.ID, record.Status)
	}

	labels := []metrics.Label{
		{Name: "workflow", Value: record.WorkflowRef},
		{Name: "status", Value: string(record.Status)},
	}
	t.metrics.IncrCounterWithLabels(keyExecutionCompleted, 1, labels)
	t.metrics.AddSampleWithLabels(keyExecutionDuration, float32(record.DurationMs), labels)

	stats, err := t.repo.UpdateStats(ctx, record.WorkflowRef, t.config.StatsTTL, func(stats *domain.WorkflowStats) error {
		stats.Apply(record, t.now())
		return nil
	})
	if err != nil {
		t.logger.Error("failed to update workflow stats", "workflow_id", record.WorkflowRef, "execution_id", record.ID, "error", err)
		return nil, err
	}

	t.logger.Debug("workflow stats updated",
		"workflow_id", record.WorkflowRef,
		"total", stats.TotalExecutions,
		"average_duration_ms", stats.AverageDurationMs)
	return stats, nil
}

func (t *Tracker) Log(ctx context.Context, executionID, nodeID string, level domain.LogLevel, message string, fields map[string]interface{}) error {
	return t.repo.AppendLog(ctx, &domain.ExecutionLogEntry{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Message:     message,
		Context:     fields,
		Timestamp:   t.now(),
	})
}

// Close stops the metrics pipeline.
func (t *Tracker) Close() {
	t.metrics.Shutdown()
}
