package graphflow

import (
	"log/slog"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
)

type Config = domain.Config

type EngineConfig = domain.EngineConfig

type RetryConfig = domain.RetryConfig

type RetryStrategy = domain.RetryStrategy

const (
	RetryImmediate   = domain.RetryImmediate
	RetryLinear      = domain.RetryLinear
	RetryExponential = domain.RetryExponential
	RetryFibonacci   = domain.RetryFibonacci
)

type CircuitBreakerConfig = domain.CircuitBreakerConfig

type BreakerSettings = domain.DefaultCircuitBreakerConfig

type RateLimitConfig = domain.RateLimitConfig

type QueueConfig = domain.QueueConfig

type TrackerConfig = domain.TrackerConfig

type StorageConfig = domain.StorageConfig

type GRPCConfig = domain.GRPCConfig

type TLSConfig = domain.TLSConfig

type ObservabilityConfig = domain.ObservabilityConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// NewConfig returns the default configuration for nodeID logging to logger.
func NewConfig(nodeID string, logger *slog.Logger) *Config {
	return domain.NewConfig(nodeID, logger)
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

func DefaultEngineConfig() EngineConfig {
	return domain.DefaultEngineConfig()
}

func DefaultRateLimitConfig() RateLimitConfig {
	return domain.DefaultRateLimitConfig()
}

func DefaultRetryConfig() RetryConfig {
	return domain.DefaultRetryConfig()
}

func DefaultQueueConfig() QueueConfig {
	return domain.DefaultQueueConfig()
}

func DefaultGRPCConfig() GRPCConfig {
	return domain.DefaultGRPCConfig()
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return domain.DefaultObservabilityConfig()
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(nodeID string) *ConfigBuilder {
	config := DefaultConfig()
	config.NodeID = nodeID
	return &ConfigBuilder{config: config}
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.Logger = logger
	return cb
}

func (cb *ConfigBuilder) WithDataDir(dir string) *ConfigBuilder {
	cb.config.WithDataDir(dir)
	return cb
}

func (cb *ConfigBuilder) WithInMemoryStorage() *ConfigBuilder {
	cb.config.WithInMemoryStorage()
	return cb
}

func (cb *ConfigBuilder) WithEngineSettings(maxRounds, maxParallelism int, nodeTimeout time.Duration) *ConfigBuilder {
	cb.config.WithEngineSettings(maxRounds, maxParallelism, nodeTimeout)
	return cb
}

func (cb *ConfigBuilder) WithRetry(strategy RetryStrategy, maxRetries int, baseDelay time.Duration) *ConfigBuilder {
	cb.config.WithRetry(strategy, maxRetries, baseDelay)
	return cb
}

func (cb *ConfigBuilder) WithWorkers(workers int) *ConfigBuilder {
	cb.config.WithWorkers(workers)
	return cb
}

func (cb *ConfigBuilder) WithGRPC(bindAddress string, port int) *ConfigBuilder {
	cb.config.WithGRPC(bindAddress, port)
	return cb
}

func (cb *ConfigBuilder) WithTLS(certFile, keyFile, caFile string) *ConfigBuilder {
	cb.config.GRPC.TLS = TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}
	return cb
}

func (cb *ConfigBuilder) WithObservability(port int) *ConfigBuilder {
	cb.config.WithObservability(port)
	return cb
}

// WithRateLimit throttles http_request nodes per remote host.
func (cb *ConfigBuilder) WithRateLimit(requestsPerSecond float64, burst int) *ConfigBuilder {
	cb.config.WithRateLimit(requestsPerSecond, burst)
	return cb
}

func (cb *ConfigBuilder) WithoutCircuitBreakers() *ConfigBuilder {
	cb.config.CircuitBreaker.Disabled = true
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
