package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to ExecutionStatus
		allowed  bool
	}{
		{ExecutionStatusWaiting, ExecutionStatusRunning, true},
		{ExecutionStatusWaiting, ExecutionStatusCanceled, true},
		{ExecutionStatusWaiting, ExecutionStatusSuccess, false},
		{ExecutionStatusRunning, ExecutionStatusSuccess, true},
		{ExecutionStatusRunning, ExecutionStatusError, true},
		{ExecutionStatusRunning, ExecutionStatusCanceled, true},
		{ExecutionStatusRunning, ExecutionStatusWaiting, false},
		{ExecutionStatusSuccess, ExecutionStatusRunning, false},
		{ExecutionStatusError, ExecutionStatusWaiting, false},
		{ExecutionStatusCanceled, ExecutionStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestExecutionRecord_Lifecycle(t *testing.T) {
	record := NewExecutionRecord("orders", ExecutionModeQueued, map[string]interface{}{"id": 1})
	require.NotEmpty(t, record.ID)
	assert.Equal(t, ExecutionStatusWaiting, record.Status)
	assert.False(t, record.IsTerminal())

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, record.Start(start))
	assert.Equal(t, start, *record.StartedAt)
	assert.ErrorIs(t, record.Start(start), ErrInvalidTransition)

	assert.ErrorIs(t, record.Finish(ExecutionStatusRunning, start, ""), ErrInvalidTransition)

	end := start.Add(1500 * time.Millisecond)
	require.NoError(t, record.Finish(ExecutionStatusError, end, "boom"))
	assert.True(t, record.IsTerminal())
	assert.Equal(t, int64(1500), record.DurationMs)
	assert.Equal(t, 1500*time.Millisecond, record.Duration())
	assert.Equal(t, "boom", record.ErrorMessage)

	assert.ErrorIs(t, record.Finish(ExecutionStatusSuccess, end, ""), ErrInvalidTransition)
}

func TestExecutionRecord_CancelWhileWaiting(t *testing.T) {
	record := NewExecutionRecord("orders", ExecutionModeQueued, nil)
	require.NoError(t, record.Finish(ExecutionStatusCanceled, time.Now(), ErrExecutionCanceled.Error()))
	assert.Nil(t, record.StartedAt)
	assert.Zero(t, record.DurationMs)
}

func TestExecutionRecord_PrepareRetry(t *testing.T) {
	record := NewExecutionRecord("orders", ExecutionModeQueued, map[string]interface{}{"id": 1})
	record.Metadata.Labels = map[string]string{"team": "billing"}
	record.Metadata.FailedNodes = 2

	assert.ErrorIs(t, record.PrepareRetry(), ErrInvalidTransition)

	now := time.Now()
	require.NoError(t, record.Start(now))
	assert.ErrorIs(t, record.PrepareRetry(), ErrInvalidTransition)
	record.OutputData = map[string]interface{}{"partial": true}
	require.NoError(t, record.Finish(ExecutionStatusError, now.Add(time.Second), "failed"))

	id := record.ID
	require.NoError(t, record.PrepareRetry())
	assert.Equal(t, id, record.ID)
	assert.Equal(t, ExecutionStatusWaiting, record.Status)
	assert.Equal(t, 1, record.RetryCount)
	assert.Nil(t, record.StartedAt)
	assert.Nil(t, record.FinishedAt)
	assert.Nil(t, record.OutputData)
	assert.Empty(t, record.ErrorMessage)
	assert.Zero(t, record.Metadata.FailedNodes)
	assert.Equal(t, map[string]string{"team": "billing"}, record.Metadata.Labels)
	assert.Equal(t, map[string]interface{}{"id": 1}, record.InputData)

	require.NoError(t, record.Start(now))
}

func TestWorkflowStats_Apply(t *testing.T) {
	stats := &WorkflowStats{}
	assert.Zero(t, stats.SuccessRate())

	now := time.Now()
	for i, status := range []ExecutionStatus{ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusSuccess, ExecutionStatusCanceled} {
		stats.Apply(&ExecutionRecord{
			ID:          string(rune('a' + i)),
			WorkflowRef: "orders",
			Status:      status,
			DurationMs:  int64(100 * (i + 1)),
		}, now)
	}

	assert.Equal(t, "orders", stats.WorkflowRef)
	assert.Equal(t, int64(4), stats.TotalExecutions)
	assert.Equal(t, int64(2), stats.SuccessfulExecutions)
	assert.Equal(t, int64(1), stats.FailedExecutions)
	assert.Equal(t, int64(1), stats.CanceledExecutions)
	assert.InDelta(t, 250.0, stats.AverageDurationMs, 0.001)
	assert.Equal(t, "d", stats.LastExecutionID)
	assert.InDelta(t, 0.5, stats.SuccessRate(), 0.001)
}

func TestNodeExecutionResult(t *testing.T) {
	ok := NewSuccessResult(nil)
	assert.True(t, ok.Success)
	assert.NotNil(t, ok.OutputData)
	assert.NoError(t, ok.Err())

	cause := NewRateLimitError("slow down")
	failed := NewFailureResult(cause).WithAttempts(3, time.Second)
	assert.False(t, failed.Success)
	assert.Equal(t, ErrorClassRateLimit, failed.ErrorClass)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, time.Second, failed.Duration)
	assert.Same(t, cause, failed.Err())

	decoded := &NodeExecutionResult{ErrorMessage: "lost", ErrorClass: ErrorClassTimeout}
	class, found := ErrorClassOf(decoded.Err())
	assert.True(t, found)
	assert.Equal(t, ErrorClassTimeout, class)
}
