package ports

import (
	"context"
	"time"
)

type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold    int           `json:"success_threshold" yaml:"success_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `json:"half_open_max_requests" yaml:"half_open_max_requests"`
	OnStateChange       func(name string, from, to CircuitBreakerState)
	Clock               func() time.Time
}

// CircuitBreakerSnapshot is the externally visible state of one breaker.
type CircuitBreakerSnapshot struct {
	State         CircuitBreakerState `json:"state"`
	FailureCount  int64               `json:"failure_count"`
	SuccessCount  int64               `json:"success_count"`
	LastFailureAt time.Time           `json:"last_failure_at"`
}

type CircuitBreakerMetrics struct {
	State              CircuitBreakerState `json:"state"`
	FailureCount       int64               `json:"failure_count"`
	SuccessCount       int64               `json:"success_count"`
	ConsecutiveSuccess int64               `json:"consecutive_success"`
	ConsecutiveFailure int64               `json:"consecutive_failure"`
	LastStateChange    time.Time           `json:"last_state_change"`
	LastFailureAt      time.Time           `json:"last_failure_at"`
	TotalRequests      int64               `json:"total_requests"`
	RequestsAllowed    int64               `json:"requests_allowed"`
	RequestsRejected   int64               `json:"requests_rejected"`
}

type CircuitBreaker interface {
	Call(ctx context.Context, fn func(context.Context) error) error
	State() CircuitBreakerState
	Snapshot() CircuitBreakerSnapshot
	Metrics() CircuitBreakerMetrics
	Reset()
	ForceOpen()
	ForceClose()
}

type CircuitBreakerProvider interface {
	GetCircuitBreaker(name string) CircuitBreaker
	CreateCircuitBreaker(name string, config CircuitBreakerConfig) CircuitBreaker
	GetAllMetrics() map[string]CircuitBreakerMetrics
}
