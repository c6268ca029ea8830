package tools

import (
	"sort"
	"sync"

	"google.golang.org/genai"

	"toolflow/pkg/errors"
)

// Registry stores tools by name for discovery and lookup.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds or replaces a tool under its own name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name if registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the names of all registered tools, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// View snapshots the named tools for one turn. With no names every
// registered tool is included. Names that are not registered are skipped;
// calls to them resolve to ErrToolNotFound.
func (r *Registry) View(names ...string) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		v := &View{tools: make(map[string]Tool, len(r.tools))}
		for name, t := range r.tools {
			v.tools[name] = t
		}
		return v
	}

	v := &View{tools: make(map[string]Tool, len(names))}
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			v.tools[name] = t
		}
	}
	return v
}

// View is an immutable name->tool lookup built once per turn.
type View struct {
	tools map[string]Tool
}

// NewView builds a view over the given tools. A later tool replaces an
// earlier one with the same name.
func NewView(tools ...Tool) *View {
	v := &View{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		v.tools[t.Name()] = t
	}
	return v
}

// Resolve returns the tool registered under exactly name.
func (v *View) Resolve(name string) (Tool, error) {
	if v != nil {
		if t, ok := v.tools[name]; ok {
			return t, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrToolNotFound, "function %s is not found in the tools available to the agent", name)
}

// Len returns the number of tools in the view.
func (v *View) Len() int {
	if v == nil {
		return 0
	}
	return len(v.tools)
}

// Declarations returns the function declarations of the view, sorted by name.
func (v *View) Declarations() []*genai.FunctionDeclaration {
	if v == nil {
		return nil
	}
	names := make([]string, 0, len(v.tools))
	for name := range v.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*genai.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		out = append(out, v.tools[name].Declaration())
	}
	return out
}
