package circuit_breaker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultRecoveryTimeout  = 60 * time.Second
)

// circuitBreaker guards a single call-site. Counters are guarded by mu; the
// request totals are atomics so Metrics can be read without contention.
type circuitBreaker struct {
	name   string
	config ports.CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                 sync.Mutex
	state              ports.CircuitBreakerState
	failureCount       int64
	successCount       int64
	consecutiveSuccess int64
	consecutiveFailure int64
	lastStateChange    time.Time
	lastFailureAt      time.Time
	halfOpenInFlight   int

	totalRequests    int64
	requestsAllowed  int64
	requestsRejected int64
}

func NewCircuitBreaker(name string, config ports.CircuitBreakerConfig, logger *slog.Logger) ports.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaultSuccessThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaultRecoveryTimeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = config.SuccessThreshold
	}

	now := config.Clock
	if now == nil {
		now = time.Now
	}

	return &circuitBreaker{
		name:            name,
		config:          config,
		logger:          logger.With("component", "circuit-breaker", "name", name),
		now:             now,
		state:           ports.StateClosed,
		lastStateChange: now(),
	}
}

// Call runs fn unless the breaker is open. A rejected call returns
// domain.ErrCircuitOpen without invoking fn.
func (cb *circuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	atomic.AddInt64(&cb.totalRequests, 1)

	probe, allowed := cb.allowRequest()
	if !allowed {
		atomic.AddInt64(&cb.requestsRejected, 1)
		cb.logger.Debug("request rejected", "state", cb.State().String())
		return domain.ErrCircuitOpen
	}

	atomic.AddInt64(&cb.requestsAllowed, 1)

	err := fn(ctx)
	if err != nil {
		cb.onFailure(probe)
		return err
	}
	cb.onSuccess(probe)
	return nil
}

func (cb *circuitBreaker) allowRequest() (probe bool, allowed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == ports.StateOpen && !cb.now().Before(cb.lastFailureAt.Add(cb.config.RecoveryTimeout)) {
		cb.setState(ports.StateHalfOpen)
	}

	switch cb.state {
	case ports.StateClosed:
		return false, true
	case ports.StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxRequests {
			cb.halfOpenInFlight++
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

func (cb *circuitBreaker) onSuccess(probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	cb.successCount++
	cb.consecutiveSuccess++
	cb.consecutiveFailure = 0

	if cb.state == ports.StateHalfOpen && cb.consecutiveSuccess >= int64(cb.config.SuccessThreshold) {
		cb.setState(ports.StateClosed)
	}
}

func (cb *circuitBreaker) onFailure(probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	cb.failureCount++
	cb.consecutiveFailure++
	cb.consecutiveSuccess = 0
	cb.lastFailureAt = cb.now()

	switch cb.state {
	case ports.StateClosed:
		if cb.consecutiveFailure >= int64(cb.config.FailureThreshold) {
			cb.setState(ports.StateOpen)
		}
	case ports.StateHalfOpen:
		cb.setState(ports.StateOpen)
	}
}

// setState must be called with mu held.
func (cb *circuitBreaker) setState(newState ports.CircuitBreakerState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.logger.Info("circuit breaker state change",
		"from", oldState.String(),
		"to", newState.String(),
		"consecutive_failures", cb.consecutiveFailure,
		"consecutive_successes", cb.consecutiveSuccess)

	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case ports.StateOpen:
		cb.consecutiveSuccess = 0
		cb.halfOpenInFlight = 0
	case ports.StateHalfOpen:
		cb.consecutiveSuccess = 0
		cb.halfOpenInFlight = 0
	case ports.StateClosed:
		cb.consecutiveFailure = 0
		cb.halfOpenInFlight = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// State reports the current state, resolving an elapsed recovery timeout
// to half_open the same way the next call would.
func (cb *circuitBreaker) State() ports.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == ports.StateOpen && !cb.now().Before(cb.lastFailureAt.Add(cb.config.RecoveryTimeout)) {
		cb.setState(ports.StateHalfOpen)
	}
	return cb.state
}

func (cb *circuitBreaker) Snapshot() ports.CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return ports.CircuitBreakerSnapshot{
		State:         cb.state,
		FailureCount:  cb.consecutiveFailure,
		SuccessCount:  cb.consecutiveSuccess,
		LastFailureAt: cb.lastFailureAt,
	}
}

func (cb *circuitBreaker) Metrics() ports.CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return ports.CircuitBreakerMetrics{
		State:              cb.state,
		FailureCount:       cb.failureCount,
		SuccessCount:       cb.successCount,
		ConsecutiveSuccess: cb.consecutiveSuccess,
		ConsecutiveFailure: cb.consecutiveFailure,
		LastStateChange:    cb.lastStateChange,
		LastFailureAt:      cb.lastFailureAt,
		TotalRequests:      atomic.LoadInt64(&cb.totalRequests),
		RequestsAllowed:    atomic.LoadInt64(&cb.requestsAllowed),
		RequestsRejected:   atomic.LoadInt64(&cb.requestsRejected),
	}
}

func (cb *circuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("circuit breaker reset")

	cb.failureCount = 0
	cb.successCount = 0
	cb.consecutiveSuccess = 0
	cb.consecutiveFailure = 0
	cb.lastFailureAt = time.Time{}
	atomic.StoreInt64(&cb.totalRequests, 0)
	atomic.StoreInt64(&cb.requestsAllowed, 0)
	atomic.StoreInt64(&cb.requestsRejected, 0)

	cb.setState(ports.StateClosed)
}

// ForceOpen opens the breaker as if a failure had just happened, so the
// recovery timeout starts now.
func (cb *circuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("circuit breaker force opened")
	cb.lastFailureAt = cb.now()
	cb.setState(ports.StateOpen)
}

func (cb *circuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("circuit breaker force closed")
	cb.setState(ports.StateClosed)
}
