package grpc

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

type ClientConfig struct {
	TLS              domain.TLSConfig
	MaxMessageSizeMB int
}

// Client calls a remote WorkflowService.
type Client struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// Dial connects to target. Extra options are appended after the ones
// derived from config.
func Dial(target string, config ClientConfig, logger *slog.Logger, extra ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "grpc-client")

	opts := []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(UnaryClientLoggingInterceptor(logger)),
	}

	if config.TLS.Enabled {
		creds, err := LoadClientTLSCredentials(config.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if config.MaxMessageSizeMB > 0 {
		size := config.MaxMessageSizeMB * 1024 * 1024
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(size), grpc.MaxCallSendMsgSize(size)))
	}

	conn, err := grpc.NewClient(target, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	in, err := encode(req)
	if err != nil {
		return err
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

func (c *Client) Validate(ctx context.Context, graph *domain.Graph) (ports.ValidationResult, error) {
	var result ports.ValidationResult
	err := c.invoke(ctx, MethodValidate, graphRequest{Graph: graph}, &result)
	return result, err
}

func (c *Client) ExecuteSync(ctx context.Context, graph *domain.Graph, payload map[string]interface{}) (*domain.ExecutionResult, error) {
	var result domain.ExecutionResult
	if err := c.invoke(ctx, MethodExecuteSync, graphRequest{Graph: graph, Payload: payload}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Dispatch(ctx context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority) (string, error) {
	var ref executionRef
	req := graphRequest{Graph: graph, Payload: payload, Priority: priority}
	if err := c.invoke(ctx, MethodDispatch, req, &ref); err != nil {
		return "", err
	}
	return ref.ExecutionID, nil
}

func (c *Client) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	var record domain.ExecutionRecord
	if err := c.invoke(ctx, MethodGetExecution, executionRef{ExecutionID: executionID}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) GetQueueStatus(ctx context.Context) (domain.QueueStatus, error) {
	var status domain.QueueStatus
	err := c.invoke(ctx, MethodGetQueueStatus, struct{}{}, &status)
	return status, err
}

func (c *Client) GetHealthStatus(ctx context.Context) (domain.HealthStatus, error) {
	var health domain.HealthStatus
	err := c.invoke(ctx, MethodGetHealthStatus, struct{}{}, &health)
	return health, err
}

func (c *Client) Cancel(ctx context.Context, executionID string) error {
	return c.invoke(ctx, MethodCancel, executionRef{ExecutionID: executionID}, nil)
}
