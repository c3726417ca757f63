package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/graphflow/internal/domain"
)

// ErrorWorkflowHandler starts an error workflow graph with the given payload.
type ErrorWorkflowHandler func(ctx context.Context, graph *domain.Graph, payload map[string]interface{}) error

// ErrorWorkflowPolicy maps workflow refs to error workflow graphs. When a run
// ends in error and its graph names an error workflow in settings, the policy
// hands that workflow to the handler. Runs that are themselves error
// workflows never trigger another one.
type ErrorWorkflowPolicy struct {
	mu        sync.RWMutex
	workflows map[string]*domain.Graph
	handler   ErrorWorkflowHandler
	logger    *slog.Logger
}

func NewErrorWorkflowPolicy(handler ErrorWorkflowHandler, logger *slog.Logger) *ErrorWorkflowPolicy {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorWorkflowPolicy{
		workflows: make(map[string]*domain.Graph),
		handler:   handler,
		logger:    logger.With("component", "error-workflow-policy"),
	}
}

func (p *ErrorWorkflowPolicy) SetHandler(handler ErrorWorkflowHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *ErrorWorkflowPolicy) Register(ref string, graph *domain.Graph) error {
	if ref == "" {
		return fmt.Errorf("%w: error workflow ref is required", domain.ErrInvalidInput)
	}
	if graph == nil {
		return fmt.Errorf("%w: error workflow %s has no graph", domain.ErrInvalidInput, ref)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workflows[ref]; exists {
		return fmt.Errorf("%w: error workflow %s", domain.ErrAlreadyExists, ref)
	}
	p.workflows[ref] = graph
	p.logger.Debug("error workflow registered", "workflow_id", ref)
	return nil
}

func (p *ErrorWorkflowPolicy) Unregister(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workflows[ref]; !exists {
		return false
	}
	delete(p.workflows, ref)
	return true
}

func (p *ErrorWorkflowPolicy) Lookup(ref string) (*domain.Graph, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	graph, ok := p.workflows[ref]
	return graph, ok
}

// Handle reports whether an error workflow was started for the failed run.
func (p *ErrorWorkflowPolicy) Handle(ctx context.Context, record *domain.ExecutionRecord, graph *domain.Graph, result *domain.ExecutionResult) (bool, error) {
	if record.Mode == domain.ExecutionModeErrorWorkflow || record.Status != domain.ExecutionStatusError {
		return false, nil
	}

	ref := graph.ErrorWorkflowRef()
	if ref == "" {
		return false, nil
	}

	p.mu.RLock()
	errorGraph, ok := p.workflows[ref]
	handler := p.handler
	p.mu.RUnlock()

	if !ok {
		p.logger.Warn("error workflow not registered", "workflow_id", record.WorkflowRef, "error_workflow", ref)
		return false, fmt.Errorf("%w: error workflow %s", domain.ErrNotFound, ref)
	}
	if handler == nil {
		return false, fmt.Errorf("%w: no error workflow handler configured", domain.ErrNotStarted)
	}

	if err := handler(ctx, errorGraph, errorPayload(record, result)); err != nil {
		return false, err
	}

	p.logger.Info("error workflow started",
		"execution_id", record.ID,
		"workflow_id", record.WorkflowRef,
		"error_workflow", ref)
	return true, nil
}

func errorPayload(record *domain.ExecutionRecord, result *domain.ExecutionResult) map[string]interface{} {
	var failed []interface{}
	if result != nil {
		ids := make([]string, 0, len(result.FailedNodes))
		for id := range result.FailedNodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			failed = append(failed, map[string]interface{}{
				"nodeId": id,
				"error":  result.FailedNodes[id],
			})
		}
	}

	return map[string]interface{}{
		"executionId": record.ID,
		"workflowId":  record.WorkflowRef,
		"error":       record.ErrorMessage,
		"failedNodes": failed,
	}
}
