// Package tooling implements the agent's tool registry: an O(1)
// name->handler map with JSON-schema descriptors and stable lexicographic
// iteration for deterministic tool-list serialization.
package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MaxNameLength bounds registered tool names, mirroring the teacher's
// ToolRegistry guard constants.
const MaxNameLength = 256

// MaxArgsSize bounds a single tool call's argument payload.
const MaxArgsSize = 10 << 20

// ErrNotFound is returned by Get/Execute when no handler is registered
// under the requested name.
var ErrNotFound = errors.New("tool not found")

// ErrNameTooLong is returned by Register when name exceeds MaxNameLength.
var ErrNameTooLong = errors.New("tool name too long")

// ErrArgsTooLarge is returned by Execute when the argument payload exceeds
// MaxArgsSize.
var ErrArgsTooLarge = errors.New("tool arguments too large")

// Handler executes a tool call. ctx carries the cancellation signal and the
// enclosing agent's depth (see WithDepth/DepthFromContext).
type Handler func(ctx context.Context, arguments json.RawMessage) (string, error)

// Descriptor describes one registered tool for provider-facing listing.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// Registry holds a mapping name -> {descriptor, handler}. Lookups are O(1);
// AsDescriptors yields stable lexicographic order, grounded on the
// teacher's tool_registry.go (RWMutex-guarded map, Register/Get/Execute,
// AsLLMTools for provider-facing listing).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a handler under name with a raw JSON-schema
// descriptor.
func (r *Registry) Register(name, description string, schema json.RawMessage, handler Handler) error {
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q (%d bytes)", ErrNameTooLong, name, len(name))
	}
	if handler == nil {
		return errors.New("tooling: handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{
		descriptor: Descriptor{Name: name, Description: description, InputSchema: schema},
		handler:    handler,
	}
	return nil
}

// Unregister removes a handler, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get returns the descriptor and handler registered under name.
func (r *Registry) Get(name string) (Descriptor, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.descriptor, e.handler, true
}

// Execute looks up name and runs its handler. Tool failures are returned as
// errors to the caller (the Agent Turn Loop is responsible for recording
// them as non-fatal tool results, per spec.md §4.4 step 7 -- Execute itself
// does not swallow errors).
func (r *Registry) Execute(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	if len(arguments) > MaxArgsSize {
		return "", fmt.Errorf("%w: tool %q (%d bytes)", ErrArgsTooLarge, name, len(arguments))
	}
	_, handler, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return handler(ctx, arguments)
}

// AsDescriptors returns every registered tool's descriptor in stable
// lexicographic order by name, for deterministic provider-facing listing.
func (r *Registry) AsDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, r.entries[name].descriptor)
	}
	return out
}

// Filtered returns a new Registry containing only the entries whose names
// match one of the given patterns. A pattern ending in "*" matches any name
// sharing its prefix (e.g. "mcp:*"); any other pattern matches exactly.
// Grounded on the teacher's matchesToolPatterns/matchToolPattern, used by
// the Sub-agent Tool to implement allowed_tools filtering (spec.md §4.5
// step 3).
func (r *Registry) Filtered(patterns []string) *Registry {
	out := NewRegistry()
	if len(patterns) == 0 {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, e := range r.entries {
		if matchesAny(name, patterns) {
			out.entries[name] = e
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if matchesPattern(name, p) {
			return true
		}
	}
	return false
}

func matchesPattern(name, pattern string) bool {
	if pattern == name {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	}
	return false
}

type depthKey struct{}

// WithDepth attaches the enclosing agent's recursion depth to ctx, so tool
// handlers (notably the Sub-agent Tool) can read it via DepthFromContext.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFromContext returns the recursion depth attached by WithDepth, or 0
// if none was attached (the root agent).
func DepthFromContext(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}
