package graphflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/graphflow"
)

const orderGraph = `{
	"nodes": [
		{"id": "start", "type": "manual_trigger"},
		{"id": "price", "type": "quote"},
		{"id": "tag", "type": "set", "properties": {"values": {"stage": "quoted"}}}
	],
	"connections": [
		{"source": "start", "target": "price"},
		{"source": "price", "target": "tag"}
	],
	"settings": {"workflowId": "quotes"}
}`

type quoteProps struct {
	Markup float64 `json:"markup"`
}

func quoteNode() graphflow.NodePort {
	return graphflow.WrapNode("quote", func(_ context.Context, props quoteProps, in *graphflow.NodeInput) (map[string]interface{}, error) {
		base, ok := in.Data["amount"].(float64)
		if !ok {
			return nil, graphflow.NewInputValidationError("amount must be a number")
		}
		markup := props.Markup
		if markup == 0 {
			markup = 1.5
		}
		return map[string]interface{}{"amount": base, "quote": base * markup}, nil
	})
}

func TestRunSync(t *testing.T) {
	graph, err := graphflow.ParseGraph([]byte(orderGraph))
	require.NoError(t, err)

	result, err := graphflow.RunSync(context.Background(), graph, map[string]interface{}{"amount": 10.0}, quoteNode())
	require.NoError(t, err)
	assert.Equal(t, graphflow.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, 15.0, result.Output["quote"])
	assert.Equal(t, "quoted", result.Output["stage"])
	assert.Equal(t, "quotes", result.WorkflowRef)
}

func TestRunSync_NodeFailureIsRecorded(t *testing.T) {
	graph, err := graphflow.ParseGraph([]byte(orderGraph))
	require.NoError(t, err)

	result, err := graphflow.RunSync(context.Background(), graph, map[string]interface{}{"amount": "ten"}, quoteNode())
	require.NoError(t, err)
	assert.Contains(t, result.FailedNodes, "price")
	assert.Contains(t, result.SkippedNodes, "tag")
	assert.True(t, result.Degraded)
}

func TestParseGraph_RejectsUnknownFields(t *testing.T) {
	_, err := graphflow.ParseGraph([]byte(`{"nodes": [], "conections": []}`))
	assert.ErrorIs(t, err, graphflow.ErrInvalidGraph)
}

func TestConfigBuilder(t *testing.T) {
	config := graphflow.NewConfigBuilder("node-a").
		WithInMemoryStorage().
		WithWorkers(3).
		WithRetry(graphflow.RetryLinear, 2, 0).
		WithoutCircuitBreakers().
		WithRateLimit(20, 5).
		Build()

	manager, err := graphflow.New(config)
	require.NoError(t, err)
	defer manager.Stop()

	applied := manager.Config()
	assert.Equal(t, "node-a", applied.NodeID)
	assert.Equal(t, 3, applied.Queue.Workers)
	assert.Equal(t, graphflow.RetryLinear, applied.Retry.Strategy)
	assert.Empty(t, manager.CircuitBreakerMetrics())
	assert.True(t, applied.RateLimit.Enabled)
	assert.Equal(t, 5, applied.RateLimit.Burst)
	assert.Empty(t, manager.RateLimitMetrics())
}
