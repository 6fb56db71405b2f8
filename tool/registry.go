package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/olavnet/olav/model"
)

// ErrUnknownTool is returned by Get for unregistered names.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return "unknown tool: " + e.Name }

// Registry holds the tool pool. Registration happens at startup; after
// that the registry is effectively immutable and reads are cheap.
//
// Example:
//
//	reg := tool.NewRegistry()
//	if err := reg.Register(suzieqReader); err != nil {
//	    log.Fatal(err)
//	}
//	desc, err := reg.Get("telemetry_read")
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Fails on name collision or empty name.
func (r *Registry) Register(t Tool) error {
	d := t.Descriptor()
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.Sensitivity != SensitivityRead && d.Sensitivity != SensitivityWrite {
		return fmt.Errorf("tool %s: sensitivity must be read or write", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("duplicate tool name: %s", d.Name)
	}
	r.tools[d.Name] = t
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &ErrUnknownTool{Name: name}
	}
	return t, nil
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Sensitivity Sensitivity // empty matches both
}

// List returns descriptors in registration order, optionally filtered.
func (r *Registry) List(f Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name].Descriptor()
		if f.Sensitivity != "" && d.Sensitivity != f.Sensitivity {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Specs returns the LLM-visible tool specifications, sorted by name for a
// deterministic prompt.
func (r *Registry) Specs() []model.ToolSpec {
	descs := r.List(Filter{})
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	out := make([]model.ToolSpec, len(descs))
	for i, d := range descs {
		out[i] = d.Spec()
	}
	return out
}
