package tilth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/greenling-ai/tilth/script"
)

// WorkItem is one unit of map-phase input: an opaque structured value with
// path-addressable fields plus a stable index. Immutable once loaded.
type WorkItem struct {
	Index int `json:"index"`
	Value any `json:"value"`
}

// ID returns a short human-readable identity for logs and dead-letter
// entries: the item's "id" or "name" field when present, else its index.
func (w WorkItem) ID() string {
	for _, key := range []string{"id", "name"} {
		if v, ok := w.Field(key); ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("item-%d", w.Index)
}

// Field resolves a dot-separated path into the item's value.
func (w WorkItem) Field(path string) (any, bool) {
	current := w.Value
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LoadWorkItems reads the map input document and extracts the ordered work
// item list. The json_path is a jq expression; the default selects the
// document root, which must be an array. Filter, sort, offset, and
// max_items are applied in that order; indices are assigned after
// selection so they are stable for the run.
func LoadWorkItems(ctx context.Context, spec *MapSpec, engine script.Compiler) ([]WorkItem, error) {
	data, err := os.ReadFile(spec.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to read map input %q: %w", spec.Input, err)
	}
	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("failed to parse map input %q: %w", spec.Input, err)
	}

	values, err := extractItems(document, spec.JSONPath)
	if err != nil {
		return nil, err
	}

	if spec.Filter != "" {
		values, err = filterItems(ctx, values, spec.Filter, engine)
		if err != nil {
			return nil, err
		}
	}
	if spec.SortBy != "" {
		sortItems(values, spec.SortBy)
	}
	if spec.Offset > 0 {
		if spec.Offset >= len(values) {
			values = nil
		} else {
			values = values[spec.Offset:]
		}
	}
	if spec.MaxItems > 0 && len(values) > spec.MaxItems {
		values = values[:spec.MaxItems]
	}

	items := make([]WorkItem, len(values))
	for i, v := range values {
		items[i] = WorkItem{Index: i, Value: v}
	}
	return items, nil
}

// extractItems runs the jq selection against the parsed document.
func extractItems(document any, path string) ([]any, error) {
	if path == "" {
		path = "."
	}
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid json_path %q: %w", path, err)
	}

	var values []any
	iter := query.Run(document)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("json_path %q failed: %w", path, err)
		}
		// A single array result is the item list; multiple results (e.g.
		// from `.items[]`) are the items themselves.
		values = append(values, v)
	}
	if len(values) == 1 {
		if arr, ok := values[0].([]any); ok {
			return arr, nil
		}
	}
	return values, nil
}

// filterItems keeps items whose filter expression is truthy. A filter that
// fails to compile is a configuration error; per-item evaluation errors
// exclude the item, matching guard semantics.
func filterItems(ctx context.Context, values []any, filter string, engine script.Compiler) ([]any, error) {
	compiled, err := engine.Compile(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("invalid map filter %q: %w", filter, err)
	}
	var kept []any
	for _, v := range values {
		result, err := compiled.Evaluate(ctx, map[string]any{"item": v})
		if err != nil || !result.IsTruthy() {
			continue
		}
		kept = append(kept, v)
	}
	return kept, nil
}

// sortItems orders items by a dot-path field, comparing numbers numerically
// and everything else as strings. Items missing the field sort last.
func sortItems(values []any, field string) {
	key := func(v any) (any, bool) {
		return WorkItem{Value: v}.Field(field)
	}
	sort.SliceStable(values, func(i, j int) bool {
		a, aok := key(values[i])
		b, bok := key(values[j])
		if !aok || !bok {
			return aok
		}
		af, aIsNum := toFloat(a)
		bf, bIsNum := toFloat(b)
		if aIsNum && bIsNum {
			return af < bf
		}
		return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
