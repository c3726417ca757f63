package ports

type NodeRegistryPort interface {
	Register(nodeType string, factory NodeFactory) error
	Create(nodeType string) (NodePort, error)
	Has(nodeType string) bool
	List() []string
	Unregister(nodeType string) error
	Count() int
}
