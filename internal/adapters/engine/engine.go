package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/graphflow/internal/adapters/retry"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Dependencies are the collaborators an Engine drives. Registry is required;
// a nil Breakers disables circuit breaking and a nil Tracker or Repository
// turns off recording and persistence respectively.
type Dependencies struct {
	Registry    ports.NodeRegistryPort
	Retry       *retry.Policy
	Breakers    ports.CircuitBreakerProvider
	Tracker     ports.ExecutionTracker
	Repository  ports.ExecutionRepository
	ErrorPolicy *ErrorWorkflowPolicy
}

type Engine struct {
	config      domain.EngineConfig
	registry    ports.NodeRegistryPort
	retry       *retry.Policy
	breakers    ports.CircuitBreakerProvider
	tracker     ports.ExecutionTracker
	repo        ports.ExecutionRepository
	errorPolicy *ErrorWorkflowPolicy
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewEngine(config domain.EngineConfig, deps Dependencies, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: engine requires a node registry", domain.ErrInvalidInput)
	}

	defaults := domain.DefaultEngineConfig()
	if config.MaxRounds <= 0 {
		config.MaxRounds = defaults.MaxRounds
	}
	if config.MaxParallelism <= 0 {
		config.MaxParallelism = defaults.MaxParallelism
	}
	if config.DefaultNodeTimeout <= 0 {
		config.DefaultNodeTimeout = defaults.DefaultNodeTimeout
	}
	if config.MaxNodeTimeout <= 0 {
		config.MaxNodeTimeout = defaults.MaxNodeTimeout
	}

	policy := deps.Retry
	if policy == nil {
		policy = retry.NewPolicy(domain.DefaultRetryConfig())
	}

	return &Engine{
		config:      config,
		registry:    deps.Registry,
		retry:       policy,
		breakers:    deps.Breakers,
		tracker:     deps.Tracker,
		repo:        deps.Repository,
		errorPolicy: deps.ErrorPolicy,
		logger:      logger.With("component", "engine"),
		now:         time.Now,
		active:      make(map[string]context.CancelFunc),
	}, nil
}

var _ ports.EnginePort = (*Engine)(nil)

// Cancel asks a running execution to stop. It returns false when no
// execution with that id is running in this engine.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[executionID]
	e.mu.Unlock()

	if !ok {
		return false
	}

	e.logger.Info("canceling execution", "execution_id", executionID)
	cancel()
	return true
}

// Running reports the number of executions currently driven by this engine.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) register(executionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[executionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()
}

func (e *Engine) nodeTimeout(node ports.NodePort) time.Duration {
	timeout := node.MaxExecutionTime()
	if timeout <= 0 {
		timeout = e.config.DefaultNodeTimeout
	}
	if timeout > e.config.MaxNodeTimeout {
		timeout = e.config.MaxNodeTimeout
	}
	return timeout
}

func (e *Engine) parallelism(graph *domain.Graph) int {
	if limit := graph.MaxParallelism(); limit > 0 {
		return limit
	}
	return e.config.MaxParallelism
}
