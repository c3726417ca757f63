package ports

import (
	"context"
	"time"
)

type RateLimiterMetrics struct {
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	DeniedRequests  int64     `json:"denied_requests"`
	WaitingRequests int64     `json:"waiting_requests"`
	TokensAvailable float64   `json:"tokens_available"`
	MaxWaitMs       float64   `json:"max_wait_ms"`
	LastActivity    time.Time `json:"last_activity"`
}

// RateLimiter throttles calls per key, typically a remote host.
type RateLimiter interface {
	Allow(key string) bool
	// Wait blocks until key has a token, ctx ends or the wait timeout passes.
	Wait(ctx context.Context, key string) error
	Metrics(key string) RateLimiterMetrics
	AllMetrics() map[string]RateLimiterMetrics
}
