package tools

import (
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cloudwego/eino/components/tool"
)

// DefaultTimeout bounds a single tool invocation unless the tool sets
// its own budget. MaxTimeout is the hard cap.
const (
	DefaultTimeout = 30 * time.Second
	MaxTimeout     = 5 * time.Minute
)

// Builder collects tools before the registry is frozen. Registration
// happens once at startup; runs only ever see the immutable Registry.
type Builder struct {
	tools    map[string]tool.InvokableTool
	timeouts map[string]time.Duration
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		tools:    make(map[string]tool.InvokableTool),
		timeouts: make(map[string]time.Duration),
	}
}

// Register adds a tool under its name. Duplicate names are rejected.
func (b *Builder) Register(name string, t tool.InvokableTool) error {
	if _, exists := b.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	b.tools[name] = t
	return nil
}

// SetTimeout overrides the per-invocation budget for one tool, clamped
// to MaxTimeout.
func (b *Builder) SetTimeout(name string, d time.Duration) {
	if d > MaxTimeout {
		d = MaxTimeout
	}
	b.timeouts[name] = d
}

// Build freezes the builder into a Registry.
func (b *Builder) Build() *Registry {
	r := &Registry{
		tools:    make(map[string]tool.InvokableTool, len(b.tools)),
		timeouts: make(map[string]time.Duration, len(b.timeouts)),
	}
	for name, t := range b.tools {
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	for name, d := range b.timeouts {
		r.timeouts[name] = d
	}
	sort.Strings(r.names)
	return r
}

// Registry is the frozen tool set. Safe for concurrent use.
type Registry struct {
	tools    map[string]tool.InvokableTool
	timeouts map[string]time.Duration
	names    []string
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) tool.InvokableTool {
	return r.tools[name]
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	return r.names
}

// Timeout returns the invocation budget for a tool.
func (r *Registry) Timeout(name string) time.Duration {
	if d, ok := r.timeouts[name]; ok {
		return d
	}
	return DefaultTimeout
}

// Expand resolves an agent's allowed-tool patterns against the registry.
// Patterns use doublestar globs, so "github_*" selects every GitHub
// tool. Unknown literal names are silently dropped. The result keeps
// registry order and has no duplicates.
func (r *Registry) Expand(patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, name := range r.names {
		for _, p := range patterns {
			ok, err := doublestar.Match(p, name)
			if err != nil {
				continue
			}
			if ok && !seen[name] {
				seen[name] = true
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// Select returns the invokable tools matching the patterns, for handing
// to the model's WithTools binding.
func (r *Registry) Select(patterns []string) []tool.InvokableTool {
	names := r.Expand(patterns)
	out := make([]tool.InvokableTool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}
