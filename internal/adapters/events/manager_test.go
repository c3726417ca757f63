package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/graphflow/internal/adapters/storage"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
	"github.com/eleven-am/graphflow/internal/xjson"
)

type fakeSource struct {
	mu       sync.Mutex
	channels map[string]chan ports.StorageEvent
	stopped  map[string]bool
	failOn   string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		channels: make(map[string]chan ports.StorageEvent),
		stopped:  make(map[string]bool),
	}
}

func (f *fakeSource) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prefix == f.failOn {
		return nil, nil, errors.New("subscribe refused")
	}
	ch := make(chan ports.StorageEvent, 16)
	f.channels[prefix] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.stopped[prefix] = true
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeSource) put(t *testing.T, prefix, key string, value interface{}) {
	t.Helper()
	data, err := xjson.Marshal(value)
	require.NoError(t, err)
	f.mu.Lock()
	ch := f.channels[prefix]
	f.mu.Unlock()
	require.NotNil(t, ch, "no subscription for %s", prefix)
	ch <- ports.StorageEvent{Type: ports.StorageEventPut, Key: key, Value: data, Timestamp: time.Now()}
}

func startManager(t *testing.T, source ports.StorageSubscriber) *Manager {
	t.Helper()
	manager := NewManager(source, nil)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Stop() })
	return manager
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func assertNothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func record(id string, status domain.ExecutionStatus) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		ID:          id,
		WorkflowRef: "orders",
		Status:      status,
		Mode:        domain.ExecutionModeQueued,
		OutputData:  map[string]interface{}{"total": 3.0},
	}
}

func TestManager_ExecutionTransitions(t *testing.T) {
	source := newFakeSource()
	manager := startManager(t, source)

	started := make(chan *domain.ExecutionEvent, 4)
	completed := make(chan *domain.ExecutionEvent, 4)
	manager.OnExecutionStarted(func(e *domain.ExecutionEvent) { started <- e })
	manager.OnExecutionCompleted(func(e *domain.ExecutionEvent) { completed <- e })

	prefix := domain.ExecutionPrefix()
	source.put(t, prefix, domain.ExecutionKey("e1"), record("e1", domain.ExecutionStatusWaiting))
	source.put(t, prefix, domain.ExecutionKey("e1"), record("e1", domain.ExecutionStatusRunning))
	source.put(t, prefix, domain.ExecutionKey("e1"), record("e1", domain.ExecutionStatusRunning))

	event := receive(t, started)
	assert.Equal(t, domain.EventExecutionStarted, event.Type)
	assert.Equal(t, "e1", event.ExecutionID)
	assert.Equal(t, "orders", event.WorkflowRef)
	assert.Nil(t, event.Output)
	assertNothing(t, started)

	source.put(t, prefix, domain.ExecutionKey("e1"), record("e1", domain.ExecutionStatusSuccess))
	event = receive(t, completed)
	assert.Equal(t, domain.ExecutionStatusSuccess, event.Status)
	assert.Equal(t, 3.0, event.Output["total"])
}

func TestManager_FailedAndCanceled(t *testing.T) {
	source := newFakeSource()
	manager := startManager(t, source)

	failed := make(chan *domain.ExecutionEvent, 1)
	canceled := make(chan *domain.ExecutionEvent, 1)
	manager.OnExecutionFailed(func(e *domain.ExecutionEvent) { failed <- e })
	manager.OnExecutionCanceled(func(e *domain.ExecutionEvent) { canceled <- e })

	broken := record("e2", domain.ExecutionStatusError)
	broken.ErrorMessage = "node charge failed"
	source.put(t, domain.ExecutionPrefix(), domain.ExecutionKey("e2"), broken)
	source.put(t, domain.ExecutionPrefix(), domain.ExecutionKey("e3"), record("e3", domain.ExecutionStatusCanceled))

	assert.Equal(t, "node charge failed", receive(t, failed).Error)
	assert.Equal(t, "e3", receive(t, canceled).ExecutionID)
}

func TestManager_RetriedExecutionReportsAgain(t *testing.T) {
	source := newFakeSource()
	manager := startManager(t, source)

	started := make(chan *domain.ExecutionEvent, 4)
	manager.OnExecutionStarted(func(e *domain.ExecutionEvent) { started <- e })

	prefix := domain.ExecutionPrefix()
	source.put(t, prefix, domain.ExecutionKey("e4"), record("e4", domain.ExecutionStatusRunning))
	receive(t, started)
	source.put(t, prefix, domain.ExecutionKey("e4"), record("e4", domain.ExecutionStatusError))
	source.put(t, prefix, domain.ExecutionKey("e4"), record("e4", domain.ExecutionStatusWaiting))
	source.put(t, prefix, domain.ExecutionKey("e4"), record("e4", domain.ExecutionStatusRunning))
	receive(t, started)
}

func TestManager_NodeEvents(t *testing.T) {
	source := newFakeSource()
	manager := startManager(t, source)

	completed := make(chan *domain.NodeEvent, 1)
	failed := make(chan *domain.NodeEvent, 1)
	manager.OnNodeCompleted(func(e *domain.NodeEvent) { completed <- e })
	manager.OnNodeFailed(func(e *domain.NodeEvent) { failed <- e })

	prefix := domain.LogPrefix()
	source.put(t, prefix, domain.ExecutionLogKey("e5", 1), &domain.ExecutionLogEntry{
		ExecutionID: "e5",
		Level:       domain.LogLevelInfo,
		Message:     "execution started",
	})
	source.put(t, prefix, domain.ExecutionLogKey("e5", 2), &domain.ExecutionLogEntry{
		ExecutionID: "e5",
		NodeID:      "fetch",
		Level:       domain.LogLevelInfo,
		Context:     map[string]interface{}{"success": true, "attempts": 2, "duration_ms": 15},
	})
	source.put(t, prefix, domain.ExecutionLogKey("e5", 3), &domain.ExecutionLogEntry{
		ExecutionID: "e5",
		NodeID:      "charge",
		Level:       domain.LogLevelError,
		Context: map[string]interface{}{
			"success":     false,
			"attempts":    3,
			"error":       "gateway down",
			"error_class": "connection",
		},
	})

	ok := receive(t, completed)
	assert.Equal(t, "fetch", ok.NodeID)
	assert.Equal(t, 2, ok.Attempts)
	assert.Equal(t, int64(15), ok.DurationMs)

	bad := receive(t, failed)
	assert.Equal(t, domain.EventNodeFailed, bad.Type)
	assert.Equal(t, "gateway down", bad.Error)
	assert.Equal(t, domain.ErrorClassConnection, bad.ErrorClass)
	assertNothing(t, completed)
}

func TestManager_GenericSubscriptions(t *testing.T) {
	source := newFakeSource()
	manager := startManager(t, source)

	type delivery struct {
		key   string
		event interface{}
	}
	all := make(chan delivery, 8)
	nodes := make(chan delivery, 8)

	_, err := manager.Subscribe("*", func(key string, event interface{}) { all <- delivery{key, event} })
	require.NoError(t, err)
	nodeSub, err := manager.Subscribe("node.*", func(key string, event interface{}) { nodes <- delivery{key, event} })
	require.NoError(t, err)

	source.put(t, domain.ExecutionPrefix(), domain.ExecutionKey("e6"), record("e6", domain.ExecutionStatusRunning))
	got := receive(t, all)
	assert.Equal(t, "execution.started:e6", got.key)
	assert.IsType(t, &domain.ExecutionEvent{}, got.event)
	assertNothing(t, nodes)

	source.put(t, domain.LogPrefix(), domain.ExecutionLogKey("e6", 1), &domain.ExecutionLogEntry{
		ExecutionID: "e6",
		NodeID:      "fetch",
		Context:     map[string]interface{}{"success": true},
	})
	got = receive(t, nodes)
	assert.Equal(t, "node.completed:e6:fetch", got.key)
	assert.IsType(t, &domain.NodeEvent{}, got.event)
	receive(t, all)

	assert.True(t, manager.Unsubscribe(nodeSub))
	assert.False(t, manager.Unsubscribe(nodeSub))

	_, err = manager.Subscribe("", func(string, interface{}) {})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = manager.Subscribe("*", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestManager_PanickingHandler(t *testing.T) {
	source := newFakeSource()
	manager := startManager(t, source)

	started := make(chan *domain.ExecutionEvent, 1)
	manager.OnExecutionStarted(func(*domain.ExecutionEvent) { panic("boom") })
	manager.OnExecutionStarted(func(e *domain.ExecutionEvent) { started <- e })

	source.put(t, domain.ExecutionPrefix(), domain.ExecutionKey("e7"), record("e7", domain.ExecutionStatusRunning))
	assert.Equal(t, "e7", receive(t, started).ExecutionID)
}

func TestManager_Lifecycle(t *testing.T) {
	source := newFakeSource()
	manager := NewManager(source, nil)

	assert.ErrorIs(t, manager.Stop(), domain.ErrNotStarted)
	require.NoError(t, manager.Start(context.Background()))
	assert.ErrorIs(t, manager.Start(context.Background()), domain.ErrAlreadyStarted)
	require.NoError(t, manager.Stop())

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.True(t, source.stopped[domain.ExecutionPrefix()])
	assert.True(t, source.stopped[domain.LogPrefix()])
}

func TestManager_StartFailure(t *testing.T) {
	source := newFakeSource()
	source.failOn = domain.LogPrefix()
	manager := NewManager(source, nil)

	require.Error(t, manager.Start(context.Background()))
	assert.True(t, source.stopped[domain.ExecutionPrefix()])
	assert.ErrorIs(t, manager.Stop(), domain.ErrNotStarted)

	assert.ErrorIs(t, NewManager(nil, nil).Start(context.Background()), domain.ErrInvalidConfig)
}

func TestManager_WithStore(t *testing.T) {
	store, err := storage.NewStore(domain.StorageConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo := storage.NewExecutionRepository(store, time.Hour, nil)

	manager := startManager(t, store)
	completed := make(chan *domain.ExecutionEvent, 1)
	manager.OnExecutionCompleted(func(e *domain.ExecutionEvent) { completed <- e })

	rec := domain.NewExecutionRecord("orders", domain.ExecutionModeSync, nil)
	ctx := context.Background()
	require.NoError(t, repo.SaveExecution(ctx, rec))
	require.NoError(t, rec.Start(time.Now()))
	require.NoError(t, repo.SaveExecution(ctx, rec))
	require.NoError(t, rec.Finish(domain.ExecutionStatusSuccess, time.Now(), ""))
	require.NoError(t, repo.SaveExecution(ctx, rec))

	assert.Equal(t, rec.ID, receive(t, completed).ExecutionID)
}

func TestManager_PatternMatching(t *testing.T) {
	manager := &Manager{}

	tests := []struct {
		pattern string
		key     string
		matches bool
	}{
		{"*", "anything", true},
		{"execution.*", "execution.started:123", true},
		{"execution.completed:*", "execution.completed:123", true},
		{"execution.*", "node.completed:123:fetch", false},
		{"node.failed:123:fetch", "node.failed:123:fetch", true},
		{"node.failed:123:fetch", "node.failed:456:fetch", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.matches, manager.patternMatches(tt.pattern, tt.key), "patternMatches(%q, %q)", tt.pattern, tt.key)
	}
}
