package core

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
	"github.com/eleven-am/graphflow/internal/xjson"
)

// NodeFunc is the body of a typed node. props is the node's properties
// decoded into P, input carries the merged upstream data.
type NodeFunc[P any] func(ctx context.Context, props P, input *ports.NodeInput) (map[string]interface{}, error)

type NodeOption func(*nodeOptions)

type nodeOptions struct {
	schema   ports.PropertiesSchema
	timeout  time.Duration
	priority int
	async    bool
}

func WithSchema(schema ports.PropertiesSchema) NodeOption {
	return func(o *nodeOptions) { o.schema = schema }
}

func WithTimeout(timeout time.Duration) NodeOption {
	return func(o *nodeOptions) { o.timeout = timeout }
}

func WithPriority(priority int) NodeOption {
	return func(o *nodeOptions) { o.priority = priority }
}

// WithoutAsync keeps the node out of parallel fan-out rounds.
func WithoutAsync() NodeOption {
	return func(o *nodeOptions) { o.async = false }
}

// WrapNode turns fn into a NodePort. Properties that do not decode into P, or
// that miss a field the schema marks required, fail validation.
func WrapNode[P any](nodeType string, fn NodeFunc[P], opts ...NodeOption) ports.NodePort {
	options := nodeOptions{async: true}
	for _, opt := range opts {
		opt(&options)
	}
	return &typedNode[P]{nodeType: nodeType, fn: fn, options: options}
}

type typedNode[P any] struct {
	nodeType string
	fn       NodeFunc[P]
	options  nodeOptions
}

func (n *typedNode[P]) Type() string                             { return n.nodeType }
func (n *typedNode[P]) PropertiesSchema() ports.PropertiesSchema { return n.options.schema }
func (n *typedNode[P]) MaxExecutionTime() time.Duration          { return n.options.timeout }
func (n *typedNode[P]) SupportsAsync() bool                      { return n.options.async }
func (n *typedNode[P]) Priority() int                            { return n.options.priority }

func (n *typedNode[P]) ValidateProperties(props map[string]interface{}) bool {
	for name, schema := range n.options.schema {
		if _, ok := props[name]; schema.Required && !ok {
			return false
		}
	}
	_, err := decodeProperties[P](props)
	return err == nil
}

func (n *typedNode[P]) Execute(ctx context.Context, input *ports.NodeInput) (*domain.NodeExecutionResult, error) {
	props, err := decodeProperties[P](input.Properties)
	if err != nil {
		return nil, domain.NewInputValidationError(err.Error())
	}

	out, err := n.fn(ctx, props, input)
	if err != nil {
		return nil, err
	}
	return domain.NewSuccessResult(out), nil
}

func decodeProperties[P any](props map[string]interface{}) (P, error) {
	var typed P
	if props == nil {
		return typed, nil
	}
	if err := xjson.Remarshal(props, &typed); err != nil {
		return typed, fmt.Errorf("failed to decode properties into %T: %v", typed, err)
	}
	return typed, nil
}
