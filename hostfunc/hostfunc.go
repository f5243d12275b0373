package hostfunc

import (
	"slices"
	"sync"
)

// Factory builds a live capability instance for one invocation.
type Factory func(inv *Invocation, args Args) (any, error)

// Capability is one entry of the native call table.
type Capability struct {
	Name string
	// Params are validated before New runs.
	Params Signature
	// Parameterized capabilities are handed to scripts as a constructor
	// function; the others are instantiated on lookup.
	Parameterized bool
	New           Factory
}

type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	r.caps[c.Name] = c
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	c, ok := r.caps[name]
	r.mu.RUnlock()
	return c, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open resolves name, validates raw against its signature and constructs
// the capability for inv.
func (r *Registry) Open(inv *Invocation, name string, raw ...any) (any, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, &Error{Kind: KindUnknownCapability, Op: "native", Detail: name}
	}
	args, err := c.Params.Bind(name, raw)
	if err != nil {
		return nil, err
	}
	return c.New(inv, args)
}
