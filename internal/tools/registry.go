// Package tools maps agent tool calls onto local handlers.
package tools

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrRegistrySealed is returned by Register after Seal.
var ErrRegistrySealed = errors.New("tools: registry sealed")

// RespondFunc delivers the single result of a tool call.
type RespondFunc func(correlationID, result string, isError bool)

// Invocation is one tool call as seen by a handler.
type Invocation struct {
	Name          string
	Parameters    map[string]any
	CorrelationID string
	Respond       RespondFunc
}

// String returns a named string parameter, or "" when absent.
func (inv Invocation) String(key string) string {
	v, ok := inv.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// Handler runs a tool. It must call inv.Respond once; returning an error
// instead lets the dispatcher answer with a failure result.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// Registry is a name to handler table owned by one talk session.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	sealed   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tools: empty tool name")
	}
	if h == nil {
		return errors.New("tools: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Seal freezes the table.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
