// Package nodes holds the node types every graphflow instance registers.
package nodes

import (
	"context"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

const (
	TypeManualTrigger = "manual_trigger"
	TypeSet           = "set"
	TypeNoop          = "noop"
)

// Register adds the builtin node types to registry. httpOpts configure every
// http_request node the registry creates.
func Register(registry ports.NodeRegistryPort, httpOpts ...HTTPOption) error {
	builtins := map[string]ports.NodeFactory{
		TypeManualTrigger: func() ports.NodePort { return &ManualTrigger{} },
		TypeSet:           func() ports.NodePort { return &Set{} },
		TypeNoop:          func() ports.NodePort { return &Noop{} },
		TypeHTTPRequest:   func() ports.NodePort { return NewHTTPRequest(nil, httpOpts...) },
	}
	for _, nodeType := range []string{TypeManualTrigger, TypeSet, TypeNoop, TypeHTTPRequest} {
		if err := registry.Register(nodeType, builtins[nodeType]); err != nil {
			return err
		}
	}
	return nil
}

// base carries the defaults shared by the builtins.
type base struct{}

func (base) PropertiesSchema() ports.PropertiesSchema       { return ports.PropertiesSchema{} }
func (base) ValidateProperties(map[string]interface{}) bool { return true }
func (base) MaxExecutionTime() time.Duration                { return 0 }
func (base) SupportsAsync() bool                            { return true }
func (base) Priority() int                                  { return 0 }

// ManualTrigger starts a workflow with the payload it was submitted with.
type ManualTrigger struct{ base }

func (*ManualTrigger) Type() string { return TypeManualTrigger }

func (*ManualTrigger) Priority() int { return 100 }

func (*ManualTrigger) Execute(_ context.Context, input *ports.NodeInput) (*domain.NodeExecutionResult, error) {
	return domain.NewSuccessResult(domain.MergeAll(input.Data)), nil
}

// Set emits its "values" property merged over its input. Nested maps are
// merged key by key; any other value replaces the input value.
type Set struct{ base }

func (*Set) Type() string { return TypeSet }

func (*Set) PropertiesSchema() ports.PropertiesSchema {
	return ports.PropertiesSchema{
		"values": {
			Type:        ports.PropertyObject,
			Required:    true,
			Description: "fields written over the node input",
		},
	}
}

func (*Set) ValidateProperties(props map[string]interface{}) bool {
	_, ok := props["values"].(map[string]interface{})
	return ok
}

func (*Set) Execute(_ context.Context, input *ports.NodeInput) (*domain.NodeExecutionResult, error) {
	values, ok := input.Properties["values"].(map[string]interface{})
	if !ok {
		return nil, domain.NewInputValidationError("set node requires an object \"values\" property")
	}

	out, err := domain.MergeOutputs(domain.MergeAll(input.Data), values)
	if err != nil {
		return nil, domain.NewNodeError(domain.ErrorClassInternal, "failed to merge values", err)
	}
	return domain.NewSuccessResult(out), nil
}

// Noop forwards its input unchanged.
type Noop struct{ base }

func (*Noop) Type() string { return TypeNoop }

func (*Noop) Execute(_ context.Context, input *ports.NodeInput) (*domain.NodeExecutionResult, error) {
	return domain.NewSuccessResult(domain.MergeAll(input.Data)), nil
}
