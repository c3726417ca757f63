package rate_limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastActive time.Time

	total   int64
	allowed int64
	denied  int64
	waiting int64
	maxWait time.Duration
}

// Limiter keeps one token bucket per key. Idle buckets are dropped after
// the configured key expiry.
type Limiter struct {
	config domain.RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	buckets sync.Map

	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.RateLimiter = (*Limiter)(nil)

func NewLimiter(config domain.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := domain.DefaultRateLimitConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.Burst <= 0 {
		config.Burst = int(config.RequestsPerSecond)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = defaults.KeyExpiry
	}

	l := &Limiter{
		config: config,
		logger: logger.With("component", "rate-limiter"),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) bucketFor(key string) *bucket {
	if value, ok := l.buckets.Load(key); ok {
		return value.(*bucket)
	}
	now := l.now()
	value, _ := l.buckets.LoadOrStore(key, &bucket{
		tokens:     float64(l.config.Burst),
		lastRefill: now,
		lastActive: now,
	})
	return value.(*bucket)
}

// take refills b and consumes a token if one is available. Otherwise it
// returns how long until the next token.
func (l *Limiter) take(b *bucket) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.config.RequestsPerSecond
		if limit := float64(l.config.Burst); b.tokens > limit {
			b.tokens = limit
		}
		b.lastRefill = now
	}
	b.lastActive = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing / l.config.RequestsPerSecond * float64(time.Second))
}

func (l *Limiter) Allow(key string) bool {
	b := l.bucketFor(key)
	ok, _ := l.take(b)
	b.mu.Lock()
	b.total++
	if ok {
		b.allowed++
	} else {
		b.denied++
	}
	b.mu.Unlock()
	return ok
}

// Wait returns domain.ErrRateLimited when no token frees up within the wait
// timeout, and ctx.Err() when ctx ends first.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	b := l.bucketFor(key)
	start := l.now()
	deadline := time.NewTimer(l.config.WaitTimeout)
	defer deadline.Stop()

	b.mu.Lock()
	b.total++
	b.waiting++
	b.mu.Unlock()

	result := func(err error) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.waiting--
		if waited := l.now().Sub(start); waited > b.maxWait {
			b.maxWait = waited
		}
		if err != nil {
			b.denied++
		} else {
			b.allowed++
		}
		return err
	}

	for {
		ok, delay := l.take(b)
		if ok {
			return result(nil)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result(ctx.Err())
		case <-deadline.C:
			timer.Stop()
			l.logger.Debug("rate limit wait timed out", "key", key, "timeout", l.config.WaitTimeout)
			return result(fmt.Errorf("%w: %s after %s", domain.ErrRateLimited, key, l.config.WaitTimeout))
		case <-timer.C:
		}
	}
}

func (l *Limiter) Metrics(key string) ports.RateLimiterMetrics {
	value, ok := l.buckets.Load(key)
	if !ok {
		return ports.RateLimiterMetrics{TokensAvailable: float64(l.config.Burst)}
	}
	return snapshot(value.(*bucket))
}

func (l *Limiter) AllMetrics() map[string]ports.RateLimiterMetrics {
	metrics := make(map[string]ports.RateLimiterMetrics)
	l.buckets.Range(func(key, value interface{}) bool {
		metrics[key.(string)] = snapshot(value.(*bucket))
		return true
	})
	return metrics
}

func snapshot(b *bucket) ports.RateLimiterMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ports.RateLimiterMetrics{
		TotalRequests:   b.total,
		AllowedRequests: b.allowed,
		DeniedRequests:  b.denied,
		WaitingRequests: b.waiting,
		TokensAvailable: b.tokens,
		MaxWaitMs:       float64(b.maxWait) / float64(time.Millisecond),
		LastActivity:    b.lastActive,
	}
}

// Close stops the idle bucket sweeper.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) sweep() {
	interval := l.config.KeyExpiry / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.expire()
		}
	}
}

func (l *Limiter) expire() int {
	cutoff := l.now().Add(-l.config.KeyExpiry)
	removed := 0
	l.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		idle := b.waiting == 0 && b.lastActive.Before(cutoff)
		b.mu.Unlock()
		if idle {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		l.logger.Debug("expired idle rate limit buckets", "removed", removed)
	}
	return removed
}
