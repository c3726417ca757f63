package domain

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		Engine:         DefaultEngineConfig(),
		Retry:          DefaultRetryConfig(),
		CircuitBreaker: DefaultCircuitBreakerSettings(),
		RateLimit:      DefaultRateLimitConfig(),
		Queue:          DefaultQueueConfig(),
		Tracker:        DefaultTrackerConfig(),
		Storage:        DefaultStorageConfig(),
		GRPC:           DefaultGRPCConfig(),
		Observability:  DefaultObservabilityConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxRounds:          100,
		MaxParallelism:     8,
		DefaultNodeTimeout: 5 * time.Minute,
		MaxNodeTimeout:     30 * time.Minute,
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Strategy:   RetryExponential,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
	}
}

func DefaultCircuitBreakerSettings() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		DefaultConfig: DefaultCircuitBreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    3,
			RecoveryTimeout:     60 * time.Second,
			HalfOpenMaxRequests: 3,
		},
	}
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             50,
		WaitTimeout:       5 * time.Second,
		KeyExpiry:         10 * time.Minute,
	}
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:           4,
		PollInterval:      time.Second,
		ProcessingTimeout: 10 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		StatsTTL:        time.Hour,
		LogTTL:          7 * 24 * time.Hour,
		MetricsInterval: 10 * time.Second,
		MetricsRetain:   time.Minute,
		ServiceName:     "graphflow",
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		DataDir:         "./data",
		ConflictRetries: 10,
	}
}

func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		BindAddress:      "0.0.0.0",
		BindPort:         7400,
		MaxMessageSizeMB: 16,
		UnhealthyBelow:   40,
		HealthInterval:   5 * time.Second,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		BindAddress:    "0.0.0.0",
		Port:           9090,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		UnhealthyBelow: 40,
	}
}

func NewConfig(nodeID string, logger *slog.Logger) *Config {
	config := DefaultConfig()
	config.NodeID = nodeID
	config.Logger = logger
	return config
}

// LoadConfig reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("path", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewConfigError("yaml", err)
	}
	return config, nil
}

// ApplyDefaults fills every zero-valued field from DefaultConfig.
func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, *DefaultConfig()); err != nil {
		return NewConfigError("defaults", err)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

func (c *Config) WithInMemoryStorage() *Config {
	c.Storage.InMemory = true
	c.Storage.DataDir = ""
	return c
}

func (c *Config) WithDataDir(dir string) *Config {
	c.Storage.InMemory = false
	c.Storage.DataDir = dir
	return c
}

func (c *Config) WithEngineSettings(maxRounds, maxParallelism int, nodeTimeout time.Duration) *Config {
	c.Engine.MaxRounds = maxRounds
	c.Engine.MaxParallelism = maxParallelism
	c.Engine.DefaultNodeTimeout = nodeTimeout
	return c
}

func (c *Config) WithRetry(strategy RetryStrategy, maxRetries int, baseDelay time.Duration) *Config {
	c.Retry.Strategy = strategy
	c.Retry.MaxRetries = maxRetries
	c.Retry.BaseDelay = baseDelay
	return c
}

func (c *Config) WithWorkers(workers int) *Config {
	c.Queue.Workers = workers
	return c
}

func (c *Config) WithRateLimit(requestsPerSecond float64, burst int) *Config {
	c.RateLimit.Enabled = true
	c.RateLimit.RequestsPerSecond = requestsPerSecond
	c.RateLimit.Burst = burst
	return c
}

func (c *Config) WithGRPC(bindAddress string, port int) *Config {
	c.GRPC.Enabled = true
	c.GRPC.BindAddress = bindAddress
	c.GRPC.BindPort = port
	return c
}

func (c *Config) WithObservability(port int) *Config {
	c.Observability.Enabled = true
	c.Observability.Port = port
	return c
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return NewConfigError("logger", ErrInvalidInput)
	}
	if c.Engine.MaxRounds <= 0 {
		return NewConfigError("engine.max_rounds", ErrInvalidInput)
	}
	if c.Engine.MaxParallelism <= 0 {
		return NewConfigError("engine.max_parallelism", ErrInvalidInput)
	}
	if c.Engine.DefaultNodeTimeout <= 0 {
		return NewConfigError("engine.default_node_timeout", ErrInvalidInput)
	}
	if c.Engine.MaxNodeTimeout > 0 && c.Engine.MaxNodeTimeout < c.Engine.DefaultNodeTimeout {
		return NewConfigError("engine.max_node_timeout", fmt.Errorf("must not be lower than default_node_timeout"))
	}
	if c.Retry.MaxRetries < 0 {
		return NewConfigError("retry.max_retries", ErrInvalidInput)
	}
	switch c.Retry.Strategy {
	case RetryImmediate, RetryLinear, RetryExponential, RetryFibonacci:
	default:
		return NewConfigError("retry.strategy", fmt.Errorf("unknown strategy %q", c.Retry.Strategy))
	}
	if c.Retry.BaseDelay < 0 {
		return NewConfigError("retry.base_delay", ErrInvalidInput)
	}
	if c.CircuitBreaker.DefaultConfig.FailureThreshold <= 0 {
		return NewConfigError("circuit_breaker.default_config.failure_threshold", ErrInvalidInput)
	}
	if c.CircuitBreaker.DefaultConfig.SuccessThreshold <= 0 {
		return NewConfigError("circuit_breaker.default_config.success_threshold", ErrInvalidInput)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return NewConfigError("rate_limit.requests_per_second", ErrInvalidInput)
		}
		if c.RateLimit.Burst <= 0 {
			return NewConfigError("rate_limit.burst", ErrInvalidInput)
		}
	}
	if c.Queue.Workers <= 0 {
		return NewConfigError("queue.workers", ErrInvalidInput)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return NewConfigError("storage.data_dir", ErrInvalidInput)
	}
	if c.GRPC.Enabled {
		if c.GRPC.BindPort <= 0 || c.GRPC.BindPort > 65535 {
			return NewConfigError("grpc.bind_port", ErrInvalidInput)
		}
		if c.GRPC.UnhealthyBelow < 0 || c.GRPC.UnhealthyBelow > 100 {
			return NewConfigError("grpc.unhealthy_below", ErrInvalidInput)
		}
		if c.GRPC.TLS.Enabled && (c.GRPC.TLS.CertFile == "" || c.GRPC.TLS.KeyFile == "") {
			return NewConfigError("grpc.tls", fmt.Errorf("cert_file and key_file are required"))
		}
	}
	if c.Observability.Enabled {
		if c.Observability.Port < 0 || c.Observability.Port > 65535 {
			return NewConfigError("observability.port", ErrInvalidInput)
		}
		if c.Observability.UnhealthyBelow < 0 || c.Observability.UnhealthyBelow > 100 {
			return NewConfigError("observability.unhealthy_below", ErrInvalidInput)
		}
	}
	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.Err}
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
