package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

type fakeHandler struct {
	mu         sync.Mutex
	records    map[string]*domain.ExecutionRecord
	dispatched []domain.Priority
	canceled   []string
	score      int
	execErr    error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{records: make(map[string]*domain.ExecutionRecord), score: 100}
}

func (h *fakeHandler) Validate(graph *domain.Graph) ports.ValidationResult {
	if len(graph.Nodes) == 0 {
		return ports.ValidationResult{Valid: false, Errors: []string{"graph has no nodes"}}
	}
	return ports.ValidationResult{Valid: true}
}

func (h *fakeHandler) ExecuteSync(_ context.Context, graph *domain.Graph, payload map[string]interface{}) (*domain.ExecutionResult, error) {
	if h.execErr != nil {
		return nil, h.execErr
	}
	return &domain.ExecutionResult{
		ExecutionID: "exec-1",
		WorkflowRef: graph.WorkflowRef(),
		Status:      domain.ExecutionStatusSuccess,
		Output:      payload,
		DurationMs:  12,
	}, nil
}

func (h *fakeHandler) Dispatch(_ context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority) (string, error) {
	if len(graph.Nodes) == 0 {
		problems := &domain.GraphValidationError{}
		problems.Add("", domain.ErrInvalidGraph, "graph has no nodes")
		return "", problems
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	record := domain.NewExecutionRecord(graph.WorkflowRef(), domain.ExecutionModeQueued, payload)
	record.Priority = priority
	h.records[record.ID] = record
	h.dispatched = append(h.dispatched, priority)
	return record.ID, nil
}

func (h *fakeHandler) GetExecution(_ context.Context, id string) (*domain.ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, id)
	}
	return record, nil
}

func (h *fakeHandler) GetQueueStatus() (domain.QueueStatus, error) {
	return domain.QueueStatus{PerQueue: map[domain.Priority]domain.QueueCounts{
		domain.PriorityHigh:   {Pending: 2},
		domain.PriorityNormal: {Processing: 1},
		domain.PriorityLow:    {Failed: 3},
	}}, nil
}

func (h *fakeHandler) GetHealthStatus() (domain.HealthStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.HealthStatus{Score: h.score, Recommendations: []string{}, CheckedAt: time.Now()}, nil
}

func (h *fakeHandler) Cancel(_ context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.records[id]
	if !ok {
		return fmt.Errorf("%w: execution %s", domain.ErrNotFound, id)
	}
	if record.IsTerminal() {
		return fmt.Errorf("%w: already %s", domain.ErrInvalidTransition, record.Status)
	}
	h.canceled = append(h.canceled, id)
	return record.Finish(domain.ExecutionStatusCanceled, time.Now(), "")
}

func (h *fakeHandler) setScore(score int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.score = score
}

type testEnv struct {
	handler *fakeHandler
	server  *Server
	client  *Client
	conn    *grpc.ClientConn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	handler := newFakeHandler()
	listener := bufconn.Listen(1024 * 1024)
	config := domain.DefaultGRPCConfig()
	config.HealthInterval = time.Hour

	server := NewServer(handler, config, nil)
	require.NoError(t, server.Serve(context.Background(), listener))
	t.Cleanup(func() { _ = server.Stop() })

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	})

	client, err := Dial("passthrough:///bufnet", ClientConfig{}, nil, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &testEnv{handler: handler, server: server, client: client, conn: client.conn}
}

func sampleGraph() *domain.Graph {
	return &domain.Graph{
		Nodes:    []domain.NodeSpec{{ID: "start", Type: "manual_trigger"}},
		Settings: map[string]interface{}{domain.SettingWorkflowID: "orders"},
	}
}

func TestServer_Validate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.client.Validate(ctx, sampleGraph())
	require.NoError(t, err)
	assert.True(t, result.Valid)

	result, err = env.client.Validate(ctx, &domain.Graph{})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, []string{"graph has no nodes"}, result.Errors)
}

func TestServer_ExecuteSync(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.client.ExecuteSync(context.Background(), sampleGraph(), map[string]interface{}{"orderId": "A-1", "qty": 3.0})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", result.ExecutionID)
	assert.Equal(t, "orders", result.WorkflowRef)
	assert.Equal(t, domain.ExecutionStatusSuccess, result.Status)
	assert.Equal(t, "A-1", result.Output["orderId"])
	assert.Equal(t, 3.0, result.Output["qty"])
	assert.Equal(t, int64(12), result.DurationMs)
}

func TestServer_ExecuteSyncRejectedGraph(t *testing.T) {
	env := newTestEnv(t)
	problems := &domain.GraphValidationError{}
	problems.Add("a", domain.ErrUnknownNodeType, "node a has unknown type")
	env.handler.execErr = problems

	_, err := env.client.ExecuteSync(context.Background(), sampleGraph(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, codes.InvalidArgument, remote.Code)
	assert.Contains(t, remote.Message, "unknown type")
}

func TestServer_DispatchAndGetExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.Dispatch(ctx, sampleGraph(), map[string]interface{}{"k": "v"}, domain.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := env.client.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, record.ID)
	assert.Equal(t, domain.ExecutionStatusWaiting, record.Status)
	assert.Equal(t, domain.PriorityHigh, record.Priority)
	assert.Equal(t, "v", record.InputData["k"])

	_, err = env.client.Dispatch(ctx, sampleGraph(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, []domain.Priority{domain.PriorityHigh, domain.PriorityNormal}, env.handler.dispatched)
}

func TestServer_DispatchErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.Dispatch(ctx, &domain.Graph{}, nil, domain.PriorityNormal)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.client.Dispatch(ctx, sampleGraph(), nil, "urgent")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.client.Dispatch(ctx, nil, nil, domain.PriorityNormal)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestServer_GetExecutionNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.client.GetExecution(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestServer_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.Dispatch(ctx, sampleGraph(), nil, domain.PriorityLow)
	require.NoError(t, err)

	require.NoError(t, env.client.Cancel(ctx, id))
	assert.Equal(t, []string{id}, env.handler.canceled)

	err = env.client.Cancel(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestServer_QueueAndHealthStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queueStatus, err := env.client.GetQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCounts{Pending: 2, Processing: 1, Failed: 3}, queueStatus.Totals())
	assert.Equal(t, 3, queueStatus.PerQueue[domain.PriorityLow].Failed)

	health, err := env.client.GetHealthStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, health.Score)
}

func TestServer_HealthService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	healthClient := grpc_health_v1.NewHealthClient(env.conn)

	resp, err := healthClient.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	env.handler.setScore(10)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, env.server.Health().Refresh())

	resp, err = healthClient.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestServer_StartTwice(t *testing.T) {
	env := newTestEnv(t)
	err := env.server.Serve(context.Background(), bufconn.Listen(1024))
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted)
}

func TestServer_StopsWithContext(t *testing.T) {
	listener := bufconn.Listen(1024 * 1024)
	server := NewServer(newFakeHandler(), domain.DefaultGRPCConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Serve(ctx, listener))
	cancel()

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		return !server.started
	}, 5*time.Second, 10*time.Millisecond)
}
