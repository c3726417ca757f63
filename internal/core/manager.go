package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/eleven-am/graphflow/internal/adapters/circuit_breaker"
	"github.com/eleven-am/graphflow/internal/adapters/engine"
	"github.com/eleven-am/graphflow/internal/adapters/events"
	grpcadapter "github.com/eleven-am/graphflow/internal/adapters/grpc"
	"github.com/eleven-am/graphflow/internal/adapters/node_registry"
	"github.com/eleven-am/graphflow/internal/adapters/observability"
	"github.com/eleven-am/graphflow/internal/adapters/queue"
	"github.com/eleven-am/graphflow/internal/adapters/rate_limiter"
	"github.com/eleven-am/graphflow/internal/adapters/retry"
	"github.com/eleven-am/graphflow/internal/adapters/storage"
	"github.com/eleven-am/graphflow/internal/adapters/tracker"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/nodes"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Manager owns one graphflow instance: storage, the engine and its
// collaborators, the dispatch queue, events and the optional network surfaces.
type Manager struct {
	config *domain.Config
	logger *slog.Logger

	store       *storage.Store
	repo        *storage.ExecutionRepository
	tracker     *tracker.Tracker
	registry    *node_registry.Adapter
	breakers    *circuit_breaker.Provider
	limiter     *rate_limiter.Limiter
	errorPolicy *engine.ErrorWorkflowPolicy
	engine      *engine.Engine
	queue       *queue.Queue
	dispatcher  *queue.Dispatcher
	events      *events.Manager
	grpc        *grpcadapter.Server
	obs         *observability.Server

	mu      sync.Mutex
	started bool
	closed  bool
}

var (
	_ grpcadapter.WorkflowHandler = (*Manager)(nil)
	_ ports.DispatcherPort        = (*Manager)(nil)
	_ ports.EventManager          = (*Manager)(nil)
)

func NewManager(config *domain.Config) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	cfg := *config
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With("component", "graphflow")
	if cfg.NodeID != "" {
		logger = logger.With("node_id", cfg.NodeID)
	}

	store, err := storage.NewStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	m := &Manager{config: &cfg, logger: logger, store: store}
	if err := m.build(); err != nil {
		if m.limiter != nil {
			m.limiter.Close()
		}
		_ = store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) build() error {
	cfg := m.config

	m.repo = storage.NewExecutionRepository(m.store, cfg.Tracker.LogTTL, m.logger)

	t, err := tracker.NewTracker(m.repo, cfg.Tracker, m.logger)
	if err != nil {
		return err
	}
	m.tracker = t

	m.registry = node_registry.NewAdapter(m.logger)
	var httpOpts []nodes.HTTPOption
	if cfg.RateLimit.Enabled {
		m.limiter = rate_limiter.NewLimiter(cfg.RateLimit, m.logger)
		httpOpts = append(httpOpts, nodes.WithRateLimiter(m.limiter))
	}
	if err := nodes.Register(m.registry, httpOpts...); err != nil {
		return err
	}

	deps := engine.Dependencies{
		Registry:   m.registry,
		Retry:      retry.NewPolicy(cfg.Retry),
		Tracker:    m.tracker,
		Repository: m.repo,
	}
	if !cfg.CircuitBreaker.Disabled {
		m.breakers = circuit_breaker.NewProviderFromConfig(cfg.CircuitBreaker, m.logger)
		deps.Breakers = m.breakers
	}

	m.errorPolicy = engine.NewErrorWorkflowPolicy(nil, m.logger)
	deps.ErrorPolicy = m.errorPolicy

	m.engine, err = engine.NewEngine(cfg.Engine, deps, m.logger)
	if err != nil {
		return err
	}

	m.queue = queue.NewQueue(m.store, m.logger)
	m.dispatcher, err = queue.NewDispatcher(m.queue, m.engine, m.repo, cfg.Queue, m.logger)
	if err != nil {
		return err
	}
	m.errorPolicy.SetHandler(m.dispatcher.DispatchErrorWorkflow)

	m.events = events.NewManager(m.store, m.logger)

	if cfg.GRPC.Enabled {
		m.grpc = grpcadapter.NewServer(m, cfg.GRPC, m.logger)
	}
	if cfg.Observability.Enabled {
		m.obs = observability.NewServer(cfg.Observability, m.dispatcher, m.tracker, m.logger)
	}
	return nil
}

// Start runs the event stream, the queue workers and, when configured, the
// gRPC and observability servers. A failure stops whatever already started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("manager: %w", domain.ErrClosed)
	}
	if m.started {
		return fmt.Errorf("manager: %w", domain.ErrAlreadyStarted)
	}

	var stops []func() error
	rollback := func(cause error) error {
		for i := len(stops) - 1; i >= 0; i-- {
			_ = stops[i]()
		}
		return cause
	}

	if err := m.events.Start(ctx); err != nil {
		return rollback(fmt.Errorf("failed to start event manager: %w", err))
	}
	stops = append(stops, m.events.Stop)

	if err := m.dispatcher.Start(ctx); err != nil {
		return rollback(fmt.Errorf("failed to start dispatcher: %w", err))
	}
	stops = append(stops, m.dispatcher.Stop)

	if m.grpc != nil {
		if err := m.grpc.Start(ctx); err != nil {
			return rollback(fmt.Errorf("failed to start grpc server: %w", err))
		}
		stops = append(stops, m.grpc.Stop)
	}

	if m.obs != nil {
		if err := m.obs.Start(ctx); err != nil {
			return rollback(fmt.Errorf("failed to start observability server: %w", err))
		}
	}

	m.started = true
	m.logger.Info("graphflow started",
		"node_types", m.registry.Count(),
		"workers", m.config.Queue.Workers,
		"grpc", m.GRPCAddress(),
		"observability", m.ObservabilityAddress())
	return nil
}

// Stop shuts every component down in reverse start order and closes
// storage. The manager cannot be restarted.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var result *multierror.Error
	if m.started {
		if m.obs != nil {
			if err := m.obs.Stop(); err != nil {
				result = multierror.Append(result, fmt.Errorf("observability server: %w", err))
			}
		}
		if m.grpc != nil {
			if err := m.grpc.Stop(); err != nil {
				result = multierror.Append(result, fmt.Errorf("grpc server: %w", err))
			}
		}
		if err := m.dispatcher.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("dispatcher: %w", err))
		}
		if err := m.events.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("event manager: %w", err))
		}
		m.started = false
	}

	m.queue.Close()
	m.tracker.Close()
	if m.limiter != nil {
		m.limiter.Close()
	}
	if err := m.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("storage: %w", err))
	}

	m.logger.Info("graphflow stopped")
	return result.ErrorOrNil()
}

func (m *Manager) Config() domain.Config {
	return *m.config
}

// GRPCAddress returns the bound gRPC address, or "" when the server is off.
func (m *Manager) GRPCAddress() string {
	if m.grpc == nil {
		return ""
	}
	return m.grpc.Address()
}

func (m *Manager) ObservabilityAddress() string {
	if m.obs == nil {
		return ""
	}
	return m.obs.Address()
}

// ObservabilityHandler serves the health and metrics endpoints without
// starting a listener, for embedding in another HTTP server.
func (m *Manager) ObservabilityHandler() http.Handler {
	if m.obs != nil {
		return m.obs.Handler()
	}
	return observability.NewServer(m.config.Observability, m.dispatcher, m.tracker, m.logger).Handler()
}
