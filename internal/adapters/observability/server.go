package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/graphflow/internal/adapters/tracker"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/xjson"
)

// StatusSource reports queue depth and the derived health score.
type StatusSource interface {
	GetQueueStatus() (domain.QueueStatus, error)
	GetHealthStatus() (domain.HealthStatus, error)
}

type MetricsSource interface {
	MetricsSnapshot() tracker.MetricsSnapshot
}

type Server struct {
	config    domain.ObservabilityConfig
	status    StatusSource
	metrics   MetricsSource
	logger    *slog.Logger
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

type HealthResponse struct {
	Status          string                                `json:"status"`
	Timestamp       time.Time                             `json:"timestamp"`
	Uptime          string                                `json:"uptime"`
	Score           int                                   `json:"score"`
	Queues          map[domain.Priority]domain.QueueCounts `json:"queues,omitempty"`
	Recommendations []string                              `json:"recommendations,omitempty"`
	Error           string                                `json:"error,omitempty"`
}

type MetricsResponse struct {
	Timestamp   time.Time               `json:"timestamp"`
	System      SystemMetrics           `json:"system"`
	Application tracker.MetricsSnapshot `json:"application"`
	Queue       *domain.QueueStatus     `json:"queue,omitempty"`
}

type SystemMetrics struct {
	Runtime RuntimeMetrics `json:"runtime"`
	Memory  MemoryMetrics  `json:"memory"`
	Process ProcessMetrics `json:"process"`
}

type RuntimeMetrics struct {
	GoVersion    string `json:"go_version"`
	GOOS         string `json:"goos"`
	GOARCH       string `json:"goarch"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
}

type MemoryMetrics struct {
	Alloc        uint64 `json:"alloc_bytes"`
	TotalAlloc   uint64 `json:"total_alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	HeapInuse    uint64 `json:"heap_inuse_bytes"`
	HeapObjects  uint64 `json:"heap_objects"`
	NumGC        uint32 `json:"gc_cycles"`
	PauseTotalNs uint64 `json:"gc_pause_total_ns"`
}

type ProcessMetrics struct {
	PID    int           `json:"pid"`
	Uptime time.Duration `json:"uptime_ns"`
}

func NewServer(config domain.ObservabilityConfig, status StatusSource, metrics MetricsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := domain.DefaultObservabilityConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	return &Server{
		config:    config,
		status:    status,
		metrics:   metrics,
		logger:    logger.With("component", "observability"),
		startTime: time.Now(),
	}
}

// Handler serves every observability endpoint. Start mounts the same handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	return s.withLogging(mux)
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("observability server: %w", domain.ErrAlreadyStarted)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.Port)))
	if err != nil {
		return fmt.Errorf("observability server: listen: %w", err)
	}

	s.listener = listener
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting observability server", "address", listener.Addr().String())

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server error", "error", err)
		}
	}(s.server, s.done)
	return nil
}

// Address returns the bound listener address, or "" before Start.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if server == nil {
		return fmt.Errorf("observability server: %w", domain.ErrNotStarted)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down observability server")
	err := server.Shutdown(shutdownCtx)
	<-done
	return err
}

func (s *Server) threshold() int {
	if s.config.UnhealthyBelow > 0 {
		return s.config.UnhealthyBelow
	}
	return domain.DefaultObservabilityConfig().UnhealthyBelow
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Score:     100,
	}

	code := http.StatusOK
	if s.status != nil {
		health, err := s.status.GetHealthStatus()
		switch {
		case err != nil:
			response.Status = "unhealthy"
			response.Score = 0
			response.Error = err.Error()
			code = http.StatusServiceUnavailable
		default:
			response.Score = health.Score
			response.Queues = health.PerQueueCounts
			response.Recommendations = health.Recommendations
			if health.Score < s.threshold() {
				response.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
		}
	}

	s.writeJSON(w, code, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.status != nil {
		health, err := s.status.GetHealthStatus()
		if err != nil || health.Score < s.threshold() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("live"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	response := MetricsResponse{
		Timestamp: time.Now(),
		System:    s.collectSystemMetrics(),
	}

	if s.metrics != nil {
		response.Application = s.metrics.MetricsSnapshot()
	}
	if s.status != nil {
		if queue, err := s.status.GetQueueStatus(); err == nil {
			response.Queue = &queue
		} else {
			s.logger.Warn("failed to read queue status", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	system := s.collectSystemMetrics()
	writeGauge(w, "graphflow_uptime_seconds", "Time since the service started", float64(int64(time.Since(s.startTime).Seconds())))
	writeGauge(w, "graphflow_go_goroutines", "Number of goroutines", float64(system.Runtime.NumGoroutine))
	writeGauge(w, "graphflow_go_memstats_alloc_bytes", "Number of bytes allocated", float64(system.Memory.Alloc))
	writeGauge(w, "graphflow_go_memstats_heap_objects", "Number of allocated objects", float64(system.Memory.HeapObjects))

	if s.metrics != nil {
		snapshot := s.metrics.MetricsSnapshot()
		for _, name := range snapshot.CounterNames() {
			metric := "graphflow_" + metricName(name) + "_total"
			fmt.Fprintf(w, "# TYPE %s counter\n", metric)
			fmt.Fprintf(w, "%s %g\n", metric, snapshot.Counters[name])
		}

		names := make([]string, 0, len(snapshot.Samples))
		for name := range snapshot.Samples {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			summary := snapshot.Samples[name]
			metric := "graphflow_" + metricName(name) + "_ms"
			fmt.Fprintf(w, "# TYPE %s summary\n", metric)
			fmt.Fprintf(w, "%s_sum %g\n", metric, summary.Sum)
			fmt.Fprintf(w, "%s_count %d\n", metric, summary.Count)
		}
	}

	if s.status != nil {
		if queue, err := s.status.GetQueueStatus(); err == nil {
			fmt.Fprintf(w, "# TYPE graphflow_queue_jobs gauge\n")
			for _, priority := range domain.Priorities {
				counts := queue.PerQueue[priority]
				fmt.Fprintf(w, "graphflow_queue_jobs{priority=%q,state=\"pending\"} %d\n", priority, counts.Pending)
				fmt.Fprintf(w, "graphflow_queue_jobs{priority=%q,state=\"processing\"} %d\n", priority, counts.Processing)
				fmt.Fprintf(w, "graphflow_queue_jobs{priority=%q,state=\"failed\"} %d\n", priority, counts.Failed)
			}
		}
		if health, err := s.status.GetHealthStatus(); err == nil {
			writeGauge(w, "graphflow_health_score", "Queue health score from 0 to 100", float64(health.Score))
		}
	}
}

func writeGauge(w io.Writer, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := xjson.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *Server) collectSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		Runtime: RuntimeMetrics{
			GoVersion:    runtime.Version(),
			GOOS:         runtime.GOOS,
			GOARCH:       runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
		},
		Memory: MemoryMetrics{
			Alloc:        m.Alloc,
			TotalAlloc:   m.TotalAlloc,
			Sys:          m.Sys,
			HeapAlloc:    m.HeapAlloc,
			HeapInuse:    m.HeapInuse,
			HeapObjects:  m.HeapObjects,
			NumGC:        m.NumGC,
			PauseTotalNs: m.PauseTotalNs,
		},
		Process: ProcessMetrics{
			PID:    os.Getpid(),
			Uptime: time.Since(s.startTime),
		},
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
