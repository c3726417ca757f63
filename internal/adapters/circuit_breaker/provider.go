package circuit_breaker

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Provider hands out one breaker per call-site key. Keys with an override
// get that config; everything else gets the defaults.
type Provider struct {
	mu        sync.RWMutex
	breakers  map[string]ports.CircuitBreaker
	defaults  ports.CircuitBreakerConfig
	overrides map[string]ports.CircuitBreakerConfig
	logger    *slog.Logger
}

func NewProvider(defaults ports.CircuitBreakerConfig, overrides map[string]ports.CircuitBreakerConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if overrides == nil {
		overrides = make(map[string]ports.CircuitBreakerConfig)
	}

	return &Provider{
		breakers:  make(map[string]ports.CircuitBreaker),
		defaults:  defaults,
		overrides: overrides,
		logger:    logger.With("component", "circuit-breaker-provider"),
	}
}

// NewProviderFromConfig builds a provider from the circuit_breaker config section.
func NewProviderFromConfig(cfg domain.CircuitBreakerConfig, logger *slog.Logger) *Provider {
	overrides := make(map[string]ports.CircuitBreakerConfig, len(cfg.ServiceOverrides))
	for key, override := range cfg.ServiceOverrides {
		overrides[key] = toPortConfig(override)
	}
	return NewProvider(toPortConfig(cfg.DefaultConfig), overrides, logger)
}

func toPortConfig(cfg domain.DefaultCircuitBreakerConfig) ports.CircuitBreakerConfig {
	return ports.CircuitBreakerConfig{
		FailureThreshold:    cfg.FailureThreshold,
		SuccessThreshold:    cfg.SuccessThreshold,
		RecoveryTimeout:     cfg.RecoveryTimeout,
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
	}
}

func (p *Provider) GetCircuitBreaker(name string) ports.CircuitBreaker {
	p.mu.RLock()
	breaker, exists := p.breakers[name]
	config, hasOverride := p.overrides[name]
	p.mu.RUnlock()

	if exists {
		return breaker
	}

	if !hasOverride {
		config = p.defaults
	}
	if config.OnStateChange == nil {
		config.OnStateChange = p.defaults.OnStateChange
	}
	if config.Clock == nil {
		config.Clock = p.defaults.Clock
	}
	return p.CreateCircuitBreaker(name, config)
}

func (p *Provider) CreateCircuitBreaker(name string, config ports.CircuitBreakerConfig) ports.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.breakers[name]; exists {
		p.logger.Debug("circuit breaker already exists, returning existing", "name", name)
		return existing
	}

	breaker := NewCircuitBreaker(name, config, p.logger)
	p.breakers[name] = breaker

	p.logger.Info("created circuit breaker",
		"name", name,
		"failure_threshold", config.FailureThreshold,
		"success_threshold", config.SuccessThreshold,
		"recovery_timeout", config.RecoveryTimeout,
		"half_open_max_requests", config.HalfOpenMaxRequests)

	return breaker
}

func (p *Provider) GetAllMetrics() map[string]ports.CircuitBreakerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	metrics := make(map[string]ports.CircuitBreakerMetrics, len(p.breakers))
	for name, breaker := range p.breakers {
		metrics[name] = breaker.Metrics()
	}

	return metrics
}

// ResetAll closes every breaker and clears its counters.
func (p *Provider) ResetAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, breaker := range p.breakers {
		breaker.Reset()
	}
}
