// Package retry decides whether a failed node call is attempted again and
// how long to wait before doing so.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
)

type Policy struct {
	config domain.RetryConfig
}

func NewPolicy(config domain.RetryConfig) *Policy {
	defaults := domain.DefaultRetryConfig()
	if config.Strategy == "" {
		config.Strategy = defaults.Strategy
	}
	if config.BaseDelay <= 0 && config.Strategy != domain.RetryImmediate {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Policy{config: config}
}

func (p *Policy) MaxRetries() int {
	return p.config.MaxRetries
}

func (p *Policy) Strategy() domain.RetryStrategy {
	return p.config.Strategy
}

// ShouldRetry reports whether another attempt is allowed after the given
// failed attempt. Only connection, timeout and rate-limit failures retry;
// anything unclassified does not.
func (p *Policy) ShouldRetry(result *domain.NodeExecutionResult, attempt, maxRetries int) bool {
	if result == nil || result.Success {
		return false
	}
	if attempt >= maxRetries {
		return false
	}

	class := result.ErrorClass
	if class == "" || class == domain.ErrorClassUnknown {
		class = Classify(result.Cause)
	}
	return class.Retryable()
}

// CalculateDelay returns the wait before retry number attempt (1-based),
// capped at the configured maximum.
func (p *Policy) CalculateDelay(attempt int, strategy domain.RetryStrategy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var factor float64
	switch strategy {
	case domain.RetryImmediate:
		return 0
	case domain.RetryLinear:
		factor = float64(attempt)
	case domain.RetryFibonacci:
		factor = fibonacci(attempt)
	default:
		factor = math.Pow(p.config.Multiplier, float64(attempt-1))
	}

	delay := factor * float64(p.config.BaseDelay)
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

func fibonacci(n int) float64 {
	a, b := 0.0, 1.0
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// Classify maps an error returned by a node or by the breaker to an error class.
func Classify(err error) domain.ErrorClass {
	if err == nil {
		return domain.ErrorClassUnknown
	}

	if class, ok := domain.ErrorClassOf(err); ok {
		return class
	}

	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		return domain.ErrorClassCircuitOpen
	case errors.Is(err, domain.ErrNodeTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded):
		return domain.ErrorClassTimeout
	case errors.Is(err, domain.ErrNodePanic):
		return domain.ErrorClassInternal
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return domain.ErrorClassConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.ErrorClassTimeout
		}
		return domain.ErrorClassConnection
	}

	return domain.ErrorClassUnknown
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
