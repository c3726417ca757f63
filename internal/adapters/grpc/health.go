package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eleven-am/graphflow/internal/domain"
)

type HealthSource interface {
	GetHealthStatus() (domain.HealthStatus, error)
}

// HealthReporter drives the standard gRPC health service from the dispatcher
// health score. The server reports SERVING while the score is at least the
// threshold.
type HealthReporter struct {
	server    *health.Server
	source    HealthSource
	threshold int
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	last grpc_health_v1.HealthCheckResponse_ServingStatus
}

func NewHealthReporter(server *health.Server, source HealthSource, threshold int, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = domain.DefaultGRPCConfig().HealthInterval
	}
	return &HealthReporter{
		server:    server,
		source:    source,
		threshold: threshold,
		interval:  interval,
		logger:    logger.With("component", "grpc-health"),
		last:      grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN,
	}
}

// Refresh recomputes and publishes the serving status.
func (r *HealthReporter) Refresh() grpc_health_v1.HealthCheckResponse_ServingStatus {
	serving := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	score := 0

	status, err := r.source.GetHealthStatus()
	if err != nil {
		r.logger.Warn("health check failed", "error", err)
	} else {
		score = status.Score
		if score >= r.threshold {
			serving = grpc_health_v1.HealthCheckResponse_SERVING
		}
	}

	r.server.SetServingStatus("", serving)
	r.server.SetServingStatus(ServiceName, serving)

	r.mu.Lock()
	changed := r.last != serving
	r.last = serving
	r.mu.Unlock()

	if changed {
		r.logger.Info("serving status changed", "status", serving.String(), "score", score, "threshold", r.threshold)
	}
	return serving
}

func (r *HealthReporter) Run(ctx context.Context) {
	r.Refresh()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}
