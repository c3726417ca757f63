package core

import (
	"context"
	"fmt"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

func (m *Manager) Validate(graph *domain.Graph) ports.ValidationResult {
	return m.engine.Validate(graph)
}

// ExecuteSync runs graph to completion on the calling goroutine. The result
// is returned even when the run ends in error.
func (m *Manager) ExecuteSync(ctx context.Context, graph *domain.Graph, payload map[string]interface{}) (*domain.ExecutionResult, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := m.engine.ValidateGraph(graph); err != nil {
		return nil, err
	}

	record := domain.NewExecutionRecord(graph.WorkflowRef(), domain.ExecutionModeSync, payload)
	if err := m.repo.SaveExecution(ctx, record); err != nil {
		return nil, err
	}
	return m.engine.Run(ctx, record, graph)
}

// Dispatch queues graph for a background worker and returns the execution ID.
func (m *Manager) Dispatch(ctx context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	return m.dispatcher.Dispatch(ctx, graph, payload, priority)
}

// Cancel stops a running execution, or drops a queued one before it starts.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	if executionID == "" {
		return fmt.Errorf("%w: execution id is required", domain.ErrInvalidInput)
	}
	if m.engine.Cancel(executionID) {
		m.logger.Info("execution cancel requested", "execution_id", executionID)
		return nil
	}
	return m.dispatcher.Cancel(ctx, executionID)
}

// RetryFailed runs a failed queued execution again under the same ID.
func (m *Manager) RetryFailed(ctx context.Context, executionID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.dispatcher.RetryFailed(ctx, executionID)
}

func (m *Manager) GetQueueStatus() (domain.QueueStatus, error) {
	return m.dispatcher.GetQueueStatus()
}

func (m *Manager) GetHealthStatus() (domain.HealthStatus, error) {
	return m.dispatcher.GetHealthStatus()
}

func (m *Manager) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	return m.repo.GetExecution(ctx, executionID)
}

func (m *Manager) ListExecutions(ctx context.Context, workflowRef string) ([]*domain.ExecutionRecord, error) {
	return m.repo.ListExecutions(ctx, workflowRef)
}

func (m *Manager) ListLogs(ctx context.Context, executionID string) ([]domain.ExecutionLogEntry, error) {
	return m.repo.ListLogs(ctx, executionID)
}

// GetStats returns the aggregate outcome counters for workflowRef.
func (m *Manager) GetStats(ctx context.Context, workflowRef string) (*domain.WorkflowStats, error) {
	return m.repo.GetStats(ctx, workflowRef)
}

// RegisterNode adds a node type whose every execution uses the same value.
func (m *Manager) RegisterNode(node ports.NodePort) error {
	return m.registry.RegisterNode(node)
}

// RegisterNodeType adds a node type created fresh for every execution.
func (m *Manager) RegisterNodeType(nodeType string, factory ports.NodeFactory) error {
	return m.registry.Register(nodeType, factory)
}

func (m *Manager) UnregisterNodeType(nodeType string) error {
	return m.registry.Unregister(nodeType)
}

func (m *Manager) NodeTypes() []string {
	return m.registry.List()
}

// RegisterErrorWorkflow makes graph available under ref to workflows whose
// settings name it as their error workflow. The graph is validated now so a
// broken handler is caught before it is needed.
func (m *Manager) RegisterErrorWorkflow(ref string, graph *domain.Graph) error {
	if graph != nil {
		if err := m.engine.ValidateGraph(graph); err != nil {
			return err
		}
	}
	return m.errorPolicy.Register(ref, graph)
}

func (m *Manager) UnregisterErrorWorkflow(ref string) bool {
	return m.errorPolicy.Unregister(ref)
}

func (m *Manager) CircuitBreakerMetrics() map[string]ports.CircuitBreakerMetrics {
	if m.breakers == nil {
		return map[string]ports.CircuitBreakerMetrics{}
	}
	return m.breakers.GetAllMetrics()
}

// RateLimitMetrics reports the per-host http_request limiter state. It is
// empty when rate limiting is off.
func (m *Manager) RateLimitMetrics() map[string]ports.RateLimiterMetrics {
	if m.limiter == nil {
		return map[string]ports.RateLimiterMetrics{}
	}
	return m.limiter.AllMetrics()
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("manager: %w", domain.ErrClosed)
	}
	return nil
}

// IsRetryable reports whether err came from a node failure the retry policy
// would try again.
func IsRetryable(err error) bool {
	class, ok := domain.ErrorClassOf(err)
	return ok && class.Retryable()
}

func (m *Manager) OnExecutionStarted(handler func(*domain.ExecutionEvent)) {
	m.events.OnExecutionStarted(handler)
}

func (m *Manager) OnExecutionCompleted(handler func(*domain.ExecutionEvent)) {
	m.events.OnExecutionCompleted(handler)
}

func (m *Manager) OnExecutionFailed(handler func(*domain.ExecutionEvent)) {
	m.events.OnExecutionFailed(handler)
}

func (m *Manager) OnExecutionCanceled(handler func(*domain.ExecutionEvent)) {
	m.events.OnExecutionCanceled(handler)
}

func (m *Manager) OnNodeCompleted(handler func(*domain.NodeEvent)) {
	m.events.OnNodeCompleted(handler)
}

func (m *Manager) OnNodeFailed(handler func(*domain.NodeEvent)) {
	m.events.OnNodeFailed(handler)
}

// Subscribe registers handler for events whose key matches pattern. Keys look
// like "execution.completed:<id>" and "node.failed:<id>:<node id>".
func (m *Manager) Subscribe(pattern string, handler func(key string, event interface{})) (string, error) {
	return m.events.Subscribe(pattern, handler)
}

func (m *Manager) Unsubscribe(id string) bool {
	return m.events.Unsubscribe(id)
}
