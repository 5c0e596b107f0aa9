package parser

// Registry holds an ordered list of parsers. Resolution order is
// registration order; the first parser that supports a path wins.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a parser to the resolution order.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Find returns the first parser supporting the path, or nil when no
// registered parser handles it.
func (r *Registry) Find(path string) Parser {
	for _, p := range r.parsers {
		if p.Supports(path) {
			return p
		}
	}

	return nil
}

// Names lists registered parsers in resolution order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.parsers))

	for _, p := range r.parsers {
		names = append(names, p.Name())
	}

	return names
}
