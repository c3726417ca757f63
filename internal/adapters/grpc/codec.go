package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/xjson"
)

// encode turns any JSON-tagged value into a Struct. v must encode as a JSON object.
func encode(v interface{}) (*structpb.Struct, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return out, nil
}

func decode(in *structpb.Struct, v interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}

	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := xjson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case domain.IsValidationError(err),
		errors.Is(err, domain.ErrInvalidGraph),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidConfig),
		errors.Is(err, domain.ErrUnknownNodeType):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrClosed), errors.Is(err, domain.ErrNotStarted):
		code = codes.Unavailable
	case errors.Is(err, domain.ErrExecutionCanceled), errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

var codeSentinels = map[codes.Code]error{
	codes.InvalidArgument:    domain.ErrInvalidInput,
	codes.NotFound:           domain.ErrNotFound,
	codes.AlreadyExists:      domain.ErrAlreadyExists,
	codes.FailedPrecondition: domain.ErrInvalidTransition,
	codes.Unavailable:        domain.ErrClosed,
	codes.Canceled:           context.Canceled,
	codes.DeadlineExceeded:   context.DeadlineExceeded,
}

// RemoteError is a server failure seen by the client. It unwraps to the
// domain sentinel matching its status code so errors.Is works across the wire.
type RemoteError struct {
	Code    codes.Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return codeSentinels[e.Code]
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return &RemoteError{Code: st.Code(), Message: st.Message()}
}
