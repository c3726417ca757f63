package node_registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/graphflow/internal/domain"
	"github.com/eleven-am/graphflow/internal/ports"
)

// Adapter maps node type ids to factories. It is populated at startup and
// read concurrently by the engine.
type Adapter struct {
	factories map[string]ports.NodeFactory
	mu        sync.RWMutex
	logger    *slog.Logger
}

func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		factories: make(map[string]ports.NodeFactory),
		logger:    logger.With("component", "node-registry"),
	}
}

func (r *Adapter) Register(nodeType string, factory ports.NodeFactory) error {
	r.logger.Debug("attempting to register node type", "node_type", nodeType)

	if nodeType == "" {
		r.logger.Error("attempted to register node with empty type")
		return &domain.NodeRegistrationError{
			NodeType: nodeType,
			Reason:   "node type cannot be empty",
		}
	}

	if factory == nil {
		r.logger.Error("attempted to register nil factory", "node_type", nodeType)
		return &domain.NodeRegistrationError{
			NodeType: nodeType,
			Reason:   "factory cannot be nil",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[nodeType]; exists {
		r.logger.Debug("node registration failed - already exists", "node_type", nodeType)
		return &domain.NodeRegistrationError{
			NodeType: nodeType,
			Reason:   "node type already registered",
		}
	}

	r.factories[nodeType] = factory
	r.logger.Debug("node type registered", "node_type", nodeType, "total_types", len(r.factories))
	return nil
}

// RegisterNode registers a prototype node; every Create returns that same value.
func (r *Adapter) RegisterNode(node ports.NodePort) error {
	if node == nil {
		return &domain.NodeRegistrationError{NodeType: "<nil>", Reason: "node cannot be nil"}
	}
	return r.Register(node.Type(), func() ports.NodePort { return node })
}

func (r *Adapter) Create(nodeType string) (ports.NodePort, error) {
	r.mu.RLock()
	factory, exists := r.factories[nodeType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownNodeType, nodeType)
	}

	node := factory()
	if node == nil {
		return nil, &domain.NodeRegistrationError{NodeType: nodeType, Reason: "factory returned nil node"}
	}
	return node, nil
}

func (r *Adapter) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[nodeType]
	return exists
}

func (r *Adapter) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for nodeType := range r.factories {
		types = append(types, nodeType)
	}
	sort.Strings(types)
	return types
}

func (r *Adapter) Unregister(nodeType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[nodeType]; !exists {
		r.logger.Debug("node unregistration failed - not found", "node_type", nodeType)
		return fmt.Errorf("%w: %q", domain.ErrUnknownNodeType, nodeType)
	}

	delete(r.factories, nodeType)
	r.logger.Debug("node type unregistered", "node_type", nodeType, "remaining_types", len(r.factories))
	return nil
}

func (r *Adapter) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}
