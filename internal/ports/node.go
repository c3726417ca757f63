package ports

import (
	"context"
	"time"

	"github.com/eleven-am/graphflow/internal/domain"
)

// NodePort is the contract every executable node type satisfies. Node
// implementations report failures either through the returned error or a
// result with Success set to false.
type NodePort interface {
	Type() string
	PropertiesSchema() PropertiesSchema
	ValidateProperties(props map[string]interface{}) bool
	Execute(ctx context.Context, input *NodeInput) (*domain.NodeExecutionResult, error)
	MaxExecutionTime() time.Duration
	SupportsAsync() bool
	Priority() int
}

// CircuitKeyed nodes share a breaker with every other node reporting the same key,
// e.g. all nodes calling the same remote host.
type CircuitKeyed interface {
	CircuitKey(props map[string]interface{}) string
}

type NodeFactory func() NodePort

type PropertyType string

const (
	PropertyString  PropertyType = "string"
	PropertyNumber  PropertyType = "number"
	PropertyBoolean PropertyType = "boolean"
	PropertyObject  PropertyType = "object"
	PropertyArray   PropertyType = "array"
	PropertyAny     PropertyType = "any"
)

type PropertySchema struct {
	Type        PropertyType `json:"type"`
	Required    bool         `json:"required,omitempty"`
	Description string       `json:"description,omitempty"`
	Default     interface{}  `json:"default,omitempty"`
}

type PropertiesSchema map[string]PropertySchema

// NodeInput is everything a node sees when it runs. Data is the trigger
// payload for trigger nodes, otherwise the merged output of the node's direct
// predecessors in connection order.
type NodeInput struct {
	ExecutionID  string
	WorkflowRef  string
	Node         domain.NodeSpec
	Properties   map[string]interface{}
	Data         map[string]interface{}
	Predecessors map[string]map[string]interface{}
	Attempt      int
	IsTrigger    bool
}

func (in *NodeInput) Property(name string) (interface{}, bool) {
	v, ok := in.Properties[name]
	return v, ok
}

func (in *NodeInput) StringProperty(name string) string {
	s, _ := in.Properties[name].(string)
	return s
}
