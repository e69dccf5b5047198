package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ent0n29/voicerelay/internal/auth"
)

// ExecutorFunc runs one in-process tool. The returned value is marshalled to JSON.
type ExecutorFunc func(ctx context.Context, args json.RawMessage, principal auth.Principal) (any, error)

type registered struct {
	def      Definition
	resolved *jsonschema.Resolved
	exec     ExecutorFunc
}

// Registry is an in-process Gateway that validates arguments against each
// tool's JSON schema before executing it.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]registered)}
}

func (r *Registry) Register(def Definition, exec ExecutorFunc) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if exec == nil {
		return fmt.Errorf("tool %q: executor is nil", def.Name)
	}
	entry := registered{def: def, exec: exec}
	if def.Parameters != nil {
		resolved, err := def.Parameters.Resolve(nil)
		if err != nil {
			return fmt.Errorf("tool %q: resolve schema: %w", def.Name, err)
		}
		entry.resolved = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.byName[def.Name] = entry
	return nil
}

func (r *Registry) ListTools(context.Context) ([]Definition, error) {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.byName))
	for _, e := range r.byName {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()
	return NewSet(defs).Definitions(), nil
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, principal auth.Principal) (json.RawMessage, error) {
	r.mu.RLock()
	entry, ok := r.byName[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if entry.resolved != nil {
		var instance any = map[string]any{}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &instance); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
		}
		if err := entry.resolved.Validate(instance); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}

	out, err := entry.exec(ctx, args, principal)
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", entry.def.Name, err)
	}
	return raw, nil
}
