package tilth

import (
	"sync"
)

// Variables is a hierarchical variable scope. Lookups fall through to the
// parent scope when a name is not set locally; writes always land in the
// local scope. Agent scopes parent-link to the setup scope so that
// setup-captured variables are visible to every agent while sibling agents
// never observe each other's writes.
type Variables struct {
	mu     sync.RWMutex
	values map[string]any
	parent *Variables
}

// NewVariables creates an empty root scope.
func NewVariables() *Variables {
	return &Variables{values: map[string]any{}}
}

// NewVariablesFrom creates a root scope seeded with a copy of the given
// values.
func NewVariablesFrom(values map[string]any) *Variables {
	return &Variables{values: copyMap(values)}
}

// Child creates a new scope whose lookups fall through to this one.
func (v *Variables) Child() *Variables {
	return &Variables{values: map[string]any{}, parent: v}
}

// Set sets a variable in the local scope.
func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[name] = value
}

// Delete removes a variable from the local scope. Parent values with the
// same name become visible again.
func (v *Variables) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
}

// Resolve returns the value of a variable, consulting parent scopes. This is
// the engine's only read contract against the variable subsystem.
func (v *Variables) Resolve(name string) (any, bool) {
	v.mu.RLock()
	value, ok := v.values[name]
	v.mu.RUnlock()
	if ok {
		return value, true
	}
	if v.parent != nil {
		return v.parent.Resolve(name)
	}
	return nil, false
}

// Snapshot flattens the scope chain into a single map, with local values
// shadowing parent values. Used for checkpointing and as script globals.
func (v *Variables) Snapshot() map[string]any {
	var flat map[string]any
	if v.parent != nil {
		flat = v.parent.Snapshot()
	} else {
		flat = map[string]any{}
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for k, val := range v.values {
		flat[k] = val
	}
	return flat
}

// Local returns a copy of only the local scope's values.
func (v *Variables) Local() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return copyMap(v.values)
}

// copyMap creates a shallow copy of a map.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
