package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	NodeID string       `json:"node_id" yaml:"node_id"`
	Logger *slog.Logger `json:"-" yaml:"-"`

	Engine         EngineConfig         `json:"engine" yaml:"engine"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Queue          QueueConfig          `json:"queue" yaml:"queue"`
	Tracker        TrackerConfig        `json:"tracker" yaml:"tracker"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	GRPC           GRPCConfig           `json:"grpc" yaml:"grpc"`
	Observability  ObservabilityConfig  `json:"observability" yaml:"observability"`
}

type EngineConfig struct {
	MaxRounds          int           `json:"max_rounds" yaml:"max_rounds"`
	MaxParallelism     int           `json:"max_parallelism" yaml:"max_parallelism"`
	DefaultNodeTimeout time.Duration `json:"default_node_timeout" yaml:"default_node_timeout"`
	MaxNodeTimeout     time.Duration `json:"max_node_timeout" yaml:"max_node_timeout"`
}

type RetryStrategy string

const (
	RetryImmediate   RetryStrategy = "immediate"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryFibonacci   RetryStrategy = "fibonacci"
)

type RetryConfig struct {
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Strategy   RetryStrategy `json:"strategy" yaml:"strategy"`
	BaseDelay  time.Duration `json:"base_delay" yaml:"base_delay"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	MaxDelay   time.Duration `json:"max_delay" yaml:"max_delay"`
}

type CircuitBreakerConfig struct {
	Disabled         bool                                   `json:"disabled" yaml:"disabled"`
	DefaultConfig    DefaultCircuitBreakerConfig            `json:"default_config" yaml:"default_config"`
	ServiceOverrides map[string]DefaultCircuitBreakerConfig `json:"service_overrides,omitempty" yaml:"service_overrides,omitempty"`
}

type DefaultCircuitBreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold    int           `json:"success_threshold" yaml:"success_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `json:"half_open_max_requests" yaml:"half_open_max_requests"`
}

// RateLimitConfig throttles outbound http_request calls per remote host.
type RateLimitConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `json:"burst" yaml:"burst"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	KeyExpiry         time.Duration `json:"key_expiry" yaml:"key_expiry"`
}

type QueueConfig struct {
	Workers           int           `json:"workers" yaml:"workers"`
	PollInterval      time.Duration `json:"poll_interval" yaml:"poll_interval"`
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type TrackerConfig struct {
	StatsTTL        time.Duration `json:"stats_ttl" yaml:"stats_ttl"`
	LogTTL          time.Duration `json:"log_ttl" yaml:"log_ttl"`
	MetricsInterval time.Duration `json:"metrics_interval" yaml:"metrics_interval"`
	MetricsRetain   time.Duration `json:"metrics_retain" yaml:"metrics_retain"`
	ServiceName     string        `json:"service_name" yaml:"service_name"`
}

type StorageConfig struct {
	DataDir         string `json:"data_dir" yaml:"data_dir"`
	InMemory        bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites      bool   `json:"sync_writes" yaml:"sync_writes"`
	EncryptionKey   string `json:"-" yaml:"encryption_key,omitempty"`
	ConflictRetries int    `json:"conflict_retries" yaml:"conflict_retries"`
}

type GRPCConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	BindAddress      string `json:"bind_address" yaml:"bind_address"`
	BindPort         int    `json:"bind_port" yaml:"bind_port"`
	MaxMessageSizeMB int    `json:"max_message_size_mb" yaml:"max_message_size_mb"`
	UnhealthyBelow   int    `json:"unhealthy_below" yaml:"unhealthy_below"`

	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval"`
	TLS            TLSConfig     `json:"tls" yaml:"tls"`
}

// TLSConfig enables TLS on the gRPC listener. Setting CAFile also requires
// and verifies client certificates.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// ObservabilityConfig controls the HTTP health and metrics endpoints.
type ObservabilityConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	BindAddress    string        `json:"bind_address" yaml:"bind_address"`
	Port           int           `json:"port" yaml:"port"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	UnhealthyBelow int           `json:"unhealthy_below" yaml:"unhealthy_below"`
}
