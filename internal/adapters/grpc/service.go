package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

const ServiceName = "graphflow.v1.WorkflowService"

const (
	MethodValidate        = "Validate"
	MethodExecuteSync     = "ExecuteSync"
	MethodDispatch        = "Dispatch"
	MethodGetExecution    = "GetExecution"
	MethodGetQueueStatus  = "GetQueueStatus"
	MethodGetHealthStatus = "GetHealthStatus"
	MethodCancel          = "Cancel"
)

// WorkflowHandler is what the gRPC service exposes. The manager implements it.
type WorkflowHandler interface {
	Validate(graph *domain.Graph) ports.ValidationResult
	ExecuteSync(ctx context.Context, graph *domain.Graph, payload map[string]interface{}) (*domain.ExecutionResult, error)
	Dispatch(ctx context.Context, graph *domain.Graph, payload map[string]interface{}, priority domain.Priority) (string, error)
	GetExecution(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	GetQueueStatus() (domain.QueueStatus, error)
	GetHealthStatus() (domain.HealthStatus, error)
	Cancel(ctx context.Context, executionID string) error
}

func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryMethod func(ctx context.Context, h WorkflowHandler, req *structpb.Struct) (*structpb.Struct, error)

// serviceDesc is written by hand: every request and response is a
// google.protobuf.Struct, so there is no generated stub.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowHandler)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodValidate, validateMethod),
		methodDesc(MethodExecuteSync, executeSyncMethod),
		methodDesc(MethodDispatch, dispatchMethod),
		methodDesc(MethodGetExecution, getExecutionMethod),
		methodDesc(MethodGetQueueStatus, getQueueStatusMethod),
		methodDesc(MethodGetHealthStatus, getHealthStatusMethod),
		methodDesc(MethodCancel, cancelMethod),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "graphflow/v1/workflow.proto",
}

func methodDesc(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := fn(ctx, srv.(WorkflowHandler), req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}

			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type graphRequest struct {
	Graph    *domain.Graph          `json:"graph"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Priority domain.Priority        `json:"priority,omitempty"`
}

func (r *graphRequest) check() error {
	if r.Graph == nil {
		return fmt.Errorf("%w: graph is required", domain.ErrInvalidInput)
	}
	return nil
}

type executionRef struct {
	ExecutionID string `json:"executionId"`
}

type cancelResponse struct {
	Canceled bool `json:"canceled"`
}

func decodeGraphRequest(req *structpb.Struct) (*graphRequest, error) {
	var in graphRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	return &in, nil
}

func decodeExecutionRef(req *structpb.Struct) (string, error) {
	var in executionRef
	if err := decode(req, &in); err != nil {
		return "", err
	}
	if in.ExecutionID == "" {
		return "", fmt.Errorf("%w: executionId is required", domain.ErrInvalidInput)
	}
	return in.ExecutionID, nil
}

func validateMethod(_ context.Context, h WorkflowHandler, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeGraphRequest(req)
	if err != nil {
		return nil, err
	}
	return encode(h.Validate(in.Graph))
}

// executeSyncMethod returns the result whenever one exists, including failed
// and canceled runs. Only runs the engine refused to start become errors.
func executeSyncMethod(ctx context.Context, h WorkflowHandler, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeGraphRequest(req)
	if err != nil {
		return nil, err
	}

	result, err := h.ExecuteSync(ctx, in.Graph, in.Payload)
	if result != nil {
		return encode(result)
	}
	return nil, err
}

func dispatchMethod(ctx context.Context, h WorkflowHandler, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeGraphRequest(req)
	if err != nil {
		return nil, err
	}

	priority, err := domain.ParsePriority(string(in.Priority))
	if err != nil {
		return nil, err
	}

	id, err := h.Dispatch(ctx, in.Graph, in.Payload, priority)
	if err != nil {
		return nil, err
	}
	return encode(executionRef{ExecutionID: id})
}

func getExecutionMethod(ctx context.Context, h WorkflowHandler, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeExecutionRef(req)
	if err != nil {
		return nil, err
	}

	record, err := h.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return encode(record)
}

func getQueueStatusMethod(_ context.Context, h WorkflowHandler, _ *structpb.Struct) (*structpb.Struct, error) {
	status, err := h.GetQueueStatus()
	if err != nil {
		return nil, err
	}
	return encode(status)
}

func getHealthStatusMethod(_ context.Context, h WorkflowHandler, _ *structpb.Struct) (*structpb.Struct, error) {
	health, err := h.GetHealthStatus()
	if err != nil {
		return nil, err
	}
	return encode(health)
}

func cancelMethod(ctx context.Context, h WorkflowHandler, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeExecutionRef(req)
	if err != nil {
		return nil, err
	}
	if err := h.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return encode(cancelResponse{Canceled: true})
}
