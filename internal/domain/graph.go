package domain

import (
	"bytes"
	"fmt"

	"github.com/eleven-am/graphflow/internal/xjson"
)

const (
	SettingWorkflowID     = "workflowId"
	SettingErrorWorkflow  = "errorWorkflow"
	SettingMaxParallelism = "maxParallelism"

	AdhocWorkflowRef = "adhoc"
)

type Graph struct {
	Nodes       []NodeSpec             `json:"nodes"`
	Connections []Connection           `json:"connections"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
}

type NodeSpec struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Position   Position               `json:"position"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Connection struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceOutput string `json:"sourceOutput,omitempty"`
	TargetInput  string `json:"targetInput,omitempty"`
}

func (c Connection) String() string {
	return fmt.Sprintf("%s->%s", c.Source, c.Target)
}

// ParseGraph decodes the graph submission format. Unknown top-level fields
// are rejected so typos in "connections" do not silently produce an edgeless graph.
func ParseGraph(data []byte) (*Graph, error) {
	var graph Graph
	if err := xjson.Decode(bytes.NewReader(data), &graph, true); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}
	return &graph, nil
}

func (g *Graph) Node(id string) (NodeSpec, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

// Predecessors returns the sources of every connection into nodeID, in connection order.
func (g *Graph) Predecessors(nodeID string) []string {
	var preds []string
	seen := make(map[string]bool)
	for _, c := range g.Connections {
		if c.Target == nodeID && !seen[c.Source] {
			seen[c.Source] = true
			preds = append(preds, c.Source)
		}
	}
	return preds
}

func (g *Graph) WorkflowRef() string {
	if ref := g.stringSetting(SettingWorkflowID); ref != "" {
		return ref
	}
	return AdhocWorkflowRef
}

func (g *Graph) ErrorWorkflowRef() string {
	return g.stringSetting(SettingErrorWorkflow)
}

// MaxParallelism returns the graph-level fan-out override, or 0 when unset.
func (g *Graph) MaxParallelism() int {
	if g.Settings == nil {
		return 0
	}
	switch v := g.Settings[SettingMaxParallelism].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (g *Graph) stringSetting(key string) string {
	if g.Settings == nil {
		return ""
	}
	if s, ok := g.Settings[key].(string); ok {
		return s
	}
	return ""
}
