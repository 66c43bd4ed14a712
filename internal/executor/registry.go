package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/scrivia/agentcore/pkg/models"
)

// ErrToolAlreadyRegistered is returned when a tool name is registered twice.
var ErrToolAlreadyRegistered = errors.New("tool already registered")

// Handler runs one domain action. Handlers decode and validate their own
// arguments and return a *models.ToolError to choose the code the model sees.
type Handler func(ctx context.Context, args json.RawMessage, ec models.ExecutionContext) (any, error)

type registeredTool struct {
	spec    models.ToolSpec
	handler Handler
}

// Registry maps tool names to handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool.
func (r *Registry) Register(spec models.ToolSpec, h Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if h == nil {
		return fmt.Errorf("register tool %s: handler is nil", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, spec.Name)
	}
	r.tools[spec.Name] = registeredTool{spec: spec, handler: h}
	r.order = append(r.order, spec.Name)
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t.handler, ok
}

// Specs returns the advertised tool specs in registration order.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}
