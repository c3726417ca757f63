package domain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.ApplyDefaults())
	require.NoError(t, config.Validate())
	assert.NotNil(t, config.Logger)
	assert.False(t, config.GRPC.Enabled)
	assert.False(t, config.Observability.Enabled)
}

func TestConfig_ApplyDefaultsKeepsExplicitValues(t *testing.T) {
	config := &Config{
		Queue:  QueueConfig{Workers: 12},
		Retry:  RetryConfig{Strategy: RetryLinear, BaseDelay: 50 * time.Millisecond},
		Engine: EngineConfig{MaxRounds: 7},
	}
	require.NoError(t, config.ApplyDefaults())

	assert.Equal(t, 12, config.Queue.Workers)
	assert.Equal(t, time.Second, config.Queue.PollInterval)
	assert.Equal(t, RetryLinear, config.Retry.Strategy)
	assert.Equal(t, 50*time.Millisecond, config.Retry.BaseDelay)
	assert.Equal(t, 3, config.Retry.MaxRetries)
	assert.Equal(t, 7, config.Engine.MaxRounds)
	assert.Equal(t, 8, config.Engine.MaxParallelism)
	assert.Equal(t, "graphflow", config.Tracker.ServiceName)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"logger", func(c *Config) { c.Logger = nil }, "logger"},
		{"rounds", func(c *Config) { c.Engine.MaxRounds = 0 }, "engine.max_rounds"},
		{"parallelism", func(c *Config) { c.Engine.MaxParallelism = -1 }, "engine.max_parallelism"},
		{"timeouts", func(c *Config) { c.Engine.MaxNodeTimeout = time.Second }, "engine.max_node_timeout"},
		{"retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"strategy", func(c *Config) { c.Retry.Strategy = "random" }, "retry.strategy"},
		{"breaker", func(c *Config) { c.CircuitBreaker.DefaultConfig.FailureThreshold = 0 }, "circuit_breaker.default_config.failure_threshold"},
		{"workers", func(c *Config) { c.Queue.Workers = 0 }, "queue.workers"},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"grpc port", func(c *Config) { c.WithGRPC("0.0.0.0", 70000) }, "grpc.bind_port"},
		{"grpc tls", func(c *Config) {
			c.WithGRPC("0.0.0.0", 7400)
			c.GRPC.TLS = TLSConfig{Enabled: true, CertFile: "cert.pem"}
		}, "grpc.tls"},
		{"observability port", func(c *Config) { c.WithObservability(-1) }, "observability.port"},
		{"observability threshold", func(c *Config) {
			c.WithObservability(9090)
			c.Observability.UnhealthyBelow = 101
		}, "observability.unhealthy_below"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig("n1", nil)
			require.NoError(t, config.ApplyDefaults())
			tt.mutate(config)

			err := config.Validate()
			require.Error(t, err)
			assert.True(t, IsInvalidConfig(err))

			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}
}

func TestConfig_Builders(t *testing.T) {
	config := DefaultConfig().
		WithInMemoryStorage().
		WithEngineSettings(10, 2, time.Minute).
		WithRetry(RetryFibonacci, 5, time.Millisecond).
		WithWorkers(3).
		WithGRPC("127.0.0.1", 7500).
		WithObservability(9100)

	assert.True(t, config.Storage.InMemory)
	assert.Empty(t, config.Storage.DataDir)
	assert.Equal(t, 10, config.Engine.MaxRounds)
	assert.Equal(t, time.Minute, config.Engine.DefaultNodeTimeout)
	assert.Equal(t, RetryFibonacci, config.Retry.Strategy)
	assert.Equal(t, 3, config.Queue.Workers)
	assert.True(t, config.GRPC.Enabled)
	assert.Equal(t, 7500, config.GRPC.BindPort)
	assert.True(t, config.Observability.Enabled)
	assert.Equal(t, 9100, config.Observability.Port)

	config.WithDataDir("/var/lib/graphflow")
	assert.False(t, config.Storage.InMemory)
	assert.Equal(t, "/var/lib/graphflow", config.Storage.DataDir)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: worker-1
queue:
  workers: 6
  poll_interval: 250ms
retry:
  strategy: linear
grpc:
  enabled: true
  bind_port: 7600
  tls:
    enabled: true
    cert_file: server.pem
    key_file: server.key
observability:
  enabled: true
  port: 9200
`), 0600))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-1", config.NodeID)
	assert.Equal(t, 6, config.Queue.Workers)
	assert.Equal(t, 250*time.Millisecond, config.Queue.PollInterval)
	assert.Equal(t, 10*time.Minute, config.Queue.ProcessingTimeout)
	assert.Equal(t, RetryLinear, config.Retry.Strategy)
	assert.Equal(t, 3, config.Retry.MaxRetries)
	assert.Equal(t, 7600, config.GRPC.BindPort)
	assert.Equal(t, "0.0.0.0", config.GRPC.BindAddress)
	assert.Equal(t, "server.pem", config.GRPC.TLS.CertFile)
	assert.Equal(t, 9200, config.Observability.Port)
	assert.Equal(t, 40, config.Observability.UnhealthyBelow)

	require.NoError(t, config.ApplyDefaults())
	require.NoError(t, config.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, IsInvalidConfig(err))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue: [1, 2"), 0600))
	_, err = LoadConfig(path)
	assert.True(t, IsInvalidConfig(err))
}
