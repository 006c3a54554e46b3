package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"agent-kernel/kernel_go/internal/utils"
)

// Registry stores tools keyed by name. Registration happens at startup or
// from a builder at runtime; lookups happen concurrently during execution.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	logger utils.ExtendedLogger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger utils.ExtendedLogger) *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: utils.OrSilent(logger),
	}
}

// Register validates the tool's structure and adds it. Duplicate names are
// rejected.
func (r *Registry) Register(t *Tool) error {
	if t == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	r.logger.Debugf("🔧 Registered tool: %s (%d params)", t.Name, len(t.Parameters))
	return nil
}

// MustRegister registers or panics; for static startup wiring.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Replace swaps an existing tool in place, or registers it when absent.
func (r *Registry) Replace(t *Tool) error {
	if t == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with the name exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Catalog renders the textual tools catalog injected into planner and
// binding prompts: one line per tool with a parameter sketch.
func (r *Registry) Catalog() string {
	var b strings.Builder
	for _, t := range r.List() {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(firstLine(t.Description))
		}
		if len(t.Parameters) > 0 {
			b.WriteString(" (")
			b.WriteString(paramSketch(t.Parameters))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// CatalogFor renders the catalog restricted to the named tools, preserving
// registration order. Unknown names are skipped.
func (r *Registry) CatalogFor(names []string) string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var b strings.Builder
	for _, t := range r.List() {
		if !want[t.Name] {
			continue
		}
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(firstLine(t.Description))
		}
		if len(t.Parameters) > 0 {
			b.WriteString(" (")
			b.WriteString(paramSketch(t.Parameters))
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// DetailedCatalog renders a multi-line catalog with per-parameter
// descriptions, defaults, and enums; used when the planner needs the full
// contract rather than the one-line sketch.
func (r *Registry) DetailedCatalog() string {
	var b strings.Builder
	for _, t := range r.List() {
		fmt.Fprintf(&b, "## %s\n", t.Name)
		if t.Description != "" {
			b.WriteString(t.Description)
			b.WriteString("\n")
		}
		if len(t.Parameters) > 0 {
			b.WriteString("Parameters:\n")
			for _, p := range t.Parameters {
				fmt.Fprintf(&b, "  - %s (%s%s)", p.Name, p.Type, requiredTag(p.Required))
				if p.Description != "" {
					fmt.Fprintf(&b, ": %s", firstLine(p.Description))
				}
				if p.Default != nil {
					fmt.Fprintf(&b, " [default: %v]", p.Default)
				}
				if len(p.Enum) > 0 {
					fmt.Fprintf(&b, " [one of: %s]", strings.Join(p.Enum, ", "))
				}
				b.WriteString("\n")
			}
		}
		if len(t.OutputSchema) > 0 {
			b.WriteString("Outputs:\n")
			keys := make([]string, 0, len(t.OutputSchema))
			for k := range t.OutputSchema {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "  - %s: %s\n", k, t.OutputSchema[k])
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FunctionSchemas returns the OpenAI-style function-calling schema for every
// tool, in registration order.
func (r *Registry) FunctionSchemas() []map[string]interface{} {
	list := r.List()
	out := make([]map[string]interface{}, 0, len(list))
	for _, t := range list {
		out = append(out, FunctionSchema(t))
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func paramSketch(params []Parameter) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		s := fmt.Sprintf("%s: %s", p.Name, p.Type)
		if !p.Required {
			s += "?"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func requiredTag(required bool) string {
	if required {
		return ", required"
	}
	return ""
}
