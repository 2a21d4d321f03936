package tilth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariablesScopeFallthrough(t *testing.T) {
	root := NewVariablesFrom(map[string]any{"region": "us-east-1", "count": 3})
	child := root.Child()

	v, ok := child.Resolve("region")
	assert.True(t, ok)
	assert.Equal(t, "us-east-1", v)

	// Writes land locally and shadow the parent.
	child.Set("region", "eu-west-1")
	v, _ = child.Resolve("region")
	assert.Equal(t, "eu-west-1", v)
	v, _ = root.Resolve("region")
	assert.Equal(t, "us-east-1", v)

	// Deleting the local value makes the parent visible again.
	child.Delete("region")
	v, _ = child.Resolve("region")
	assert.Equal(t, "us-east-1", v)

	_, ok = child.Resolve("missing")
	assert.False(t, ok)
}

func TestVariablesSiblingIsolation(t *testing.T) {
	root := NewVariables()
	root.Set("shared", "base")

	a := root.Child()
	b := root.Child()
	a.Set("mine", "a")

	_, ok := b.Resolve("mine")
	assert.False(t, ok)
	v, ok := a.Resolve("shared")
	assert.True(t, ok)
	assert.Equal(t, "base", v)
}

func TestVariablesSnapshot(t *testing.T) {
	root := NewVariablesFrom(map[string]any{"a": 1, "b": 2})
	child := root.Child()
	child.Set("b", 20)
	child.Set("c", 30)

	flat := child.Snapshot()
	assert.Equal(t, map[string]any{"a": 1, "b": 20, "c": 30}, flat)

	// The snapshot is a copy, not a view.
	flat["a"] = 99
	v, _ := root.Resolve("a")
	assert.Equal(t, 1, v)

	assert.Equal(t, map[string]any{"b": 20, "c": 30}, child.Local())
}
