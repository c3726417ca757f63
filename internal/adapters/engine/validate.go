package engine

import (
	"sort"
	"strings"

	"github.com/eleven-am/graphflow/internal/adapters/resolver"
	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Validate checks a graph without executing anything and reports every problem found.
func (e *Engine) Validate(graph *domain.Graph) ports.ValidationResult {
	err := e.ValidateGraph(graph)
	if err == nil {
		return ports.ValidationResult{Valid: true, Errors: []string{}}
	}

	if validationErr, ok := err.(*domain.GraphValidationError); ok {
		return ports.ValidationResult{Valid: false, Errors: validationErr.Messages()}
	}
	return ports.ValidationResult{Valid: false, Errors: []string{err.Error()}}
}

// ValidateGraph returns a *domain.GraphValidationError when the graph cannot run.
func (e *Engine) ValidateGraph(graph *domain.Graph) error {
	problems := &domain.GraphValidationError{}

	if graph == nil {
		problems.Add("", domain.ErrInvalidGraph, "workflow graph is required")
		return problems
	}
	if len(graph.Nodes) == 0 {
		problems.Add("", domain.ErrInvalidGraph, "workflow has no nodes")
		return problems
	}

	ids := make(map[string]bool, len(graph.Nodes))
	for i, spec := range graph.Nodes {
		if spec.ID == "" {
			problems.Add("", domain.ErrInvalidGraph, "node at index %d has an empty id", i)
			continue
		}
		if ids[spec.ID] {
			problems.Add(spec.ID, domain.ErrInvalidGraph, "duplicate node id %q", spec.ID)
			continue
		}
		ids[spec.ID] = true

		e.validateNode(spec, problems)
	}

	for _, conn := range graph.Connections {
		if !ids[conn.Source] {
			problems.Add(conn.Source, domain.ErrInvalidGraph, "connection %s references unknown source node %q", conn, conn.Source)
		}
		if !ids[conn.Target] {
			problems.Add(conn.Target, domain.ErrInvalidGraph, "connection %s references unknown target node %q", conn, conn.Target)
		}
	}

	if cycle := resolver.FindCycle(graph.Connections); len(cycle) > 0 {
		problems.Add("", domain.ErrCircularDependency, "%s: %s", domain.ErrCircularDependency, strings.Join(cycle, " -> "))
	}

	if _, err := resolver.FindTriggerNodes(graph.Nodes, graph.Connections); err != nil {
		problems.Add("", domain.ErrNoTriggerNode, "%s", err)
	}

	return problems.ErrOrNil()
}

func (e *Engine) validateNode(spec domain.NodeSpec, problems *domain.GraphValidationError) {
	if !e.registry.Has(spec.Type) {
		problems.Add(spec.ID, domain.ErrUnknownNodeType, "node %q has unknown type %q", spec.ID, spec.Type)
		return
	}

	node, err := e.registry.Create(spec.Type)
	if err != nil {
		problems.Add(spec.ID, domain.ErrUnknownNodeType, "node %q: %v", spec.ID, err)
		return
	}

	schema := node.PropertiesSchema()
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := spec.Properties[name]; schema[name].Required && !ok {
			problems.Add(spec.ID, domain.ErrInvalidProperties, "node %q is missing required property %q", spec.ID, name)
		}
	}

	if !node.ValidateProperties(spec.Properties) {
		problems.Add(spec.ID, domain.ErrInvalidProperties, "node %q of type %q has invalid properties", spec.ID, spec.Type)
	}
}
