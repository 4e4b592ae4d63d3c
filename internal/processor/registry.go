package processor

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
)

// Factory builds a Processor from the raw arguments of a chain-file
// `processor` block.
type Factory func(args map[string]cty.Value) (Processor, error)

// Registry maps processor kinds to their factories. It is populated once
// during startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under the given kind. Registering the same kind
// twice is a programmer error.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("processor kind %q already registered", kind))
	}
	slog.Debug("Registering processor factory.", "kind", kind)
	r.factories[kind] = f
}

// Build instantiates a Processor of the given kind with the given arguments.
func (r *Registry) Build(kind string, args map[string]cty.Value) (Processor, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown processor kind %q", kind)
	}
	return f(args)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
