package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/graphflow/internal/adapters/engine"
	"github.com/eleven-am/graphflow/internal/adapters/node_registry"
	"github.com/eleven-am/graphflow/internal/adapters/retry"
	"github.com/eleven-am/graphflow/internal/adapters/storage"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

type stepNode struct {
	fail    atomic.Bool
	block   chan struct{}
	started chan struct{}
}

func (n *stepNode) Type() string                             { return "step" }
func (n *stepNode) PropertiesSchema() ports.PropertiesSchema { return nil }
func (n *stepNode) MaxExecutionTime() time.Duration          { return 0 }
func (n *stepNode) SupportsAsync() bool                      { return false }
func (n *stepNode) Priority() int                            { return 0 }

func (n *stepNode) ValidateProperties(map[string]interface{}) bool {
	return true
}

func (n *stepNode) Execute(ctx context.Context, in *ports.NodeInput) (*domain.NodeExecutionResult, error) {
	if n.started != nil {
		close(n.started)
		n.started = nil
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n.fail.Load() {
		return nil, domain.NewInputValidationError("step rejected input")
	}
	return domain.NewSuccessResult(domain.MergeAll(in.Data, map[string]interface{}{"done": true})), nil
}

type fixture struct {
	node       *stepNode
	queue      *Queue
	repo       *storage.ExecutionRepository
	engine     *engine.Engine
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTestStore(t)
	repo := storage.NewExecutionRepository(store, time.Hour, nil)

	node := &stepNode{}
	registry := node_registry.NewAdapter(nil)
	require.NoError(t, registry.RegisterNode(node))

	eng, err := engine.NewEngine(domain.DefaultEngineConfig(), engine.Dependencies{
		Registry:   registry,
		Retry:      retry.NewPolicy(domain.RetryConfig{Strategy: domain.RetryImmediate}),
		Repository: repo,
	}, nil)
	require.NoError(t, err)

	q := NewQueue(store, nil)
	d, err := NewDispatcher(q, eng, repo, domain.QueueConfig{
		Workers:         2,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, nil)
	require.NoError(t, err)

	return &fixture{node: node, queue: q, repo: repo, engine: eng, dispatcher: d}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.dispatcher.Start(context.Background()))
	t.Cleanup(func() { _ = f.dispatcher.Stop() })
}

func singleStep() *domain.Graph {
	return &domain.Graph{
		Nodes:    []domain.NodeSpec{{ID: "A", Type: "step"}},
		Settings: map[string]interface{}{domain.SettingWorkflowID: "wf-step"},
	}
}

func (f *fixture) waitForStatus(t *testing.T, id string, status domain.ExecutionStatus) *domain.ExecutionRecord {
	t.Helper()
	var record *domain.ExecutionRecord
	require.Eventually(t, func() bool {
		r, err := f.repo.GetExecution(context.Background(), id)
		if err != nil {
			return false
		}
		record = r
		return r.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return record
}

func TestNewDispatcher_RequiresDependencies(t *testing.T) {
	_, err := NewDispatcher(nil, nil, nil, domain.QueueConfig{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestDispatch_RunsInBackground(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	id, err := f.dispatcher.Dispatch(context.Background(), singleStep(), map[string]interface{}{"n": 1}, domain.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record := f.waitForStatus(t, id, domain.ExecutionStatusSuccess)
	assert.Equal(t, domain.ExecutionModeQueued, record.Mode)
	assert.Equal(t, domain.PriorityHigh, record.Priority)
	assert.Equal(t, true, record.OutputData["done"])

	require.Eventually(t, func() bool {
		status, err := f.dispatcher.GetQueueStatus()
		return err == nil && status.Totals() == domain.QueueCounts{}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatch_RejectsInvalidGraph(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), &domain.Graph{}, nil, domain.PriorityNormal)
	assert.True(t, domain.IsValidationError(err))

	_, err = f.dispatcher.Dispatch(context.Background(), singleStep(), nil, "urgent")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	status, err := f.dispatcher.GetQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{}, status.Totals())
}

func TestDispatch_FailedJobCanBeRetried(t *testing.T) {
	f := newFixture(t)
	f.node.fail.Store(true)
	f.start(t)

	id, err := f.dispatcher.Dispatch(context.Background(), singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)

	f.waitForStatus(t, id, domain.ExecutionStatusError)
	require.Eventually(t, func() bool {
		_, state, err := f.queue.Locate(id)
		return err == nil && state == JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	health, err := f.dispatcher.GetHealthStatus()
	require.NoError(t, err)
	assert.Equal(t, 90, health.Score)
	assert.Len(t, health.Recommendations, 1)

	f.node.fail.Store(false)
	require.NoError(t, f.dispatcher.RetryFailed(context.Background(), id))

	record := f.waitForStatus(t, id, domain.ExecutionStatusSuccess)
	assert.Equal(t, 1, record.RetryCount)
	assert.Empty(t, record.ErrorMessage)
}

func TestRetryFailed_RejectsHealthyExecution(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	id, err := f.dispatcher.Dispatch(context.Background(), singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)
	f.waitForStatus(t, id, domain.ExecutionStatusSuccess)

	assert.ErrorIs(t, f.dispatcher.RetryFailed(context.Background(), id), domain.ErrInvalidTransition)
	assert.ErrorIs(t, f.dispatcher.RetryFailed(context.Background(), "missing"), domain.ErrNotFound)
}

func TestCancel_WaitingJob(t *testing.T) {
	f := newFixture(t)

	id, err := f.dispatcher.Dispatch(context.Background(), singleStep(), nil, domain.PriorityLow)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Cancel(context.Background(), id))

	record, err := f.repo.GetExecution(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCanceled, record.Status)
	assert.NotNil(t, record.FinishedAt)

	status, err := f.dispatcher.GetQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{}, status.Totals())

	assert.ErrorIs(t, f.dispatcher.Cancel(context.Background(), id), domain.ErrInvalidTransition)
}

func TestCancel_RunningJob(t *testing.T) {
	f := newFixture(t)
	f.node.block = make(chan struct{})
	started := make(chan struct{})
	f.node.started = started
	f.start(t)

	id, err := f.dispatcher.Dispatch(context.Background(), singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("node never started")
	}
	f.waitForStatus(t, id, domain.ExecutionStatusRunning)

	require.NoError(t, f.dispatcher.Cancel(context.Background(), id))
	f.waitForStatus(t, id, domain.ExecutionStatusCanceled)
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.dispatcher.Start(context.Background())
	assert.True(t, errors.Is(err, domain.ErrAlreadyStarted))
}

func TestStart_RecoversStaleJobs(t *testing.T) {
	f := newFixture(t)

	id, err := f.dispatcher.Dispatch(context.Background(), singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)

	f.queue.now = func() time.Time { return time.Now().Add(-time.Hour) }
	claimed, err := f.queue.Claim()
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	f.queue.now = time.Now

	f.start(t)
	f.waitForStatus(t, id, domain.ExecutionStatusSuccess)
}

func TestScoreHealth(t *testing.T) {
	tests := []struct {
		name   string
		totals domain.QueueCounts
		score  int
		recs   int
	}{
		{"idle", domain.QueueCounts{}, 100, 0},
		{"few pending", domain.QueueCounts{Pending: 11}, 95, 1},
		{"backlog", domain.QueueCounts{Pending: 51}, 85, 1},
		{"flooded", domain.QueueCounts{Pending: 101}, 70, 1},
		{"one failure", domain.QueueCounts{Failed: 1}, 90, 1},
		{"several failures", domain.QueueCounts{Failed: 6}, 80, 1},
		{"many failures", domain.QueueCounts{Failed: 11}, 60, 1},
		{"worst", domain.QueueCounts{Pending: 500, Failed: 500}, 30, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, recs := scoreHealth(tt.totals)
			assert.Equal(t, tt.score, score)
			assert.Len(t, recs, tt.recs)
		})
	}
}

func TestRetryFailed_CanceledExecutionIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.dispatcher.Dispatch(ctx, singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Cancel(ctx, id))

	assert.ErrorIs(t, f.dispatcher.RetryFailed(ctx, id), domain.ErrInvalidTransition)

	record, err := f.repo.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCanceled, record.Status)
	assert.Zero(t, record.RetryCount)

	status, err := f.dispatcher.GetQueueStatus()
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{}, status.Totals())
}

func TestRetryFailed_RestoresRecordWhenRequeueFails(t *testing.T) {
	f := newFixture(t)
	f.node.fail.Store(true)
	f.start(t)
	ctx := context.Background()

	id, err := f.dispatcher.Dispatch(ctx, singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)
	f.waitForStatus(t, id, domain.ExecutionStatusError)
	require.Eventually(t, func() bool {
		_, state, err := f.queue.Locate(id)
		return err == nil && state == JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.dispatcher.Stop())
	f.queue.Close()

	assert.ErrorIs(t, f.dispatcher.RetryFailed(ctx, id), domain.ErrClosed)

	record, err := f.repo.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusError, record.Status)
	assert.Zero(t, record.RetryCount)
	assert.NotNil(t, record.FinishedAt)
}

func TestDispatch_EnqueueFailureFinishesRecord(t *testing.T) {
	f := newFixture(t)
	f.queue.Close()
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, singleStep(), nil, domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrClosed)

	records, err := f.repo.ListExecutions(ctx, "wf-step")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.ExecutionStatusError, records[0].Status)
	assert.NotNil(t, records[0].FinishedAt)
}

func TestCancel_ClaimedJobIsNeverRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.node.started = started
	ctx := context.Background()

	id, err := f.dispatcher.Dispatch(ctx, singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)

	job, err := f.queue.Claim()
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	require.NoError(t, f.dispatcher.Cancel(ctx, id))
	canceled, err := f.repo.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCanceled, canceled.Status)

	f.dispatcher.process(ctx, slog.Default(), job)

	select {
	case <-started:
		t.Fatal("canceled job was executed")
	default:
	}

	record, err := f.repo.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCanceled, record.Status)
	assert.Equal(t, canceled.FinishedAt, record.FinishedAt)
	assert.Nil(t, record.StartedAt)

	_, _, err = f.queue.Locate(id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.dispatcher.Cancel(ctx, id), domain.ErrInvalidTransition)
}

func TestCancel_RunningJobGoesThroughRunContext(t *testing.T) {
	f := newFixture(t)
	f.node.block = make(chan struct{})
	started := make(chan struct{})
	f.node.started = started
	ctx := context.Background()

	id, err := f.dispatcher.Dispatch(ctx, singleStep(), nil, domain.PriorityNormal)
	require.NoError(t, err)
	job, err := f.queue.Claim()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.dispatcher.process(ctx, slog.Default(), job)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("node never started")
	}

	require.NoError(t, f.dispatcher.Cancel(ctx, id))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run ignored cancellation")
	}

	record, err := f.repo.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCanceled, record.Status)
	assert.NotNil(t, record.StartedAt)
	assert.NotNil(t, record.FinishedAt)
	assert.ErrorIs(t, f.dispatcher.Cancel(ctx, id), domain.ErrInvalidTransition)
}
