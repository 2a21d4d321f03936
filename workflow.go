package tilth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode discriminates the two workflow shapes.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeMapReduce  Mode = "mapreduce"
)

// maxHandlerDepth bounds handler-of-handler nesting at parse time.
const maxHandlerDepth = 5

// MapSpec configures the map phase of a MapReduce workflow.
type MapSpec struct {
	// Input is the path of a JSON document holding the work items
	Input string `yaml:"input" json:"input"`

	// JSONPath is a jq expression selecting the work items from the input
	// document; defaults to the document root (an array)
	JSONPath string `yaml:"json_path,omitempty" json:"json_path,omitempty"`

	// MaxParallel bounds concurrent agents; defaults to 4
	MaxParallel int `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`

	// Filter is a guard expression over `item`; items evaluating false are
	// excluded before partitioning
	Filter string `yaml:"filter,omitempty" json:"filter,omitempty"`

	// SortBy orders items by a dot-path field before partitioning
	SortBy string `yaml:"sort_by,omitempty" json:"sort_by,omitempty"`

	// MaxItems caps the number of items processed (after filter and sort)
	MaxItems int `yaml:"max_items,omitempty" json:"max_items,omitempty"`

	// Offset skips leading items (after filter and sort)
	Offset int `yaml:"offset,omitempty" json:"offset,omitempty"`

	// AgentTimeout bounds the whole per-item step sequence
	AgentTimeout Duration `yaml:"agent_timeout,omitempty" json:"agent_timeout,omitempty"`

	// Steps is the per-item step sequence every agent runs
	Steps []*Step `yaml:"steps" json:"steps"`
}

// Workflow is a declarative multi-step job definition, either an ordered
// step list or a setup/map/reduce triple. Immutable once loaded.
type Workflow struct {
	Name        string            `yaml:"name" json:"name"`
	Mode        Mode              `yaml:"mode,omitempty" json:"mode,omitempty"`
	Expressions string            `yaml:"expressions,omitempty" json:"expressions,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Sequential form
	Steps []*Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// MapReduce form
	Setup       []*Step      `yaml:"setup,omitempty" json:"setup,omitempty"`
	Map         *MapSpec     `yaml:"map,omitempty" json:"map,omitempty"`
	Reduce      []*Step      `yaml:"reduce,omitempty" json:"reduce,omitempty"`
	ErrorPolicy *ErrorPolicy `yaml:"error_policy,omitempty" json:"error_policy,omitempty"`
}

// Load parses and validates a workflow document.
func Load(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if err := w.normalize(); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadFile loads a workflow from a YAML file.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return Load(data)
}

// LoadString loads a workflow from a YAML string.
func LoadString(data string) (*Workflow, error) {
	return Load([]byte(data))
}

// normalize applies defaults, assigns missing step IDs, and validates.
func (w *Workflow) normalize() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	if w.Mode == "" {
		if w.Map != nil {
			w.Mode = ModeMapReduce
		} else {
			w.Mode = ModeSequential
		}
	}

	switch w.Mode {
	case ModeSequential:
		if len(w.Steps) == 0 {
			return fmt.Errorf("steps required")
		}
		if w.Map != nil || len(w.Setup) > 0 || len(w.Reduce) > 0 {
			return fmt.Errorf("setup/map/reduce sections require mode: mapreduce")
		}
		if w.ErrorPolicy != nil {
			return fmt.Errorf("error_policy applies to mapreduce workflows only")
		}
	case ModeMapReduce:
		if w.Map == nil {
			return fmt.Errorf("map section required")
		}
		if len(w.Steps) > 0 {
			return fmt.Errorf("steps applies to sequential workflows only; mapreduce uses setup/map/reduce")
		}
		if len(w.Map.Steps) == 0 {
			return fmt.Errorf("map steps required")
		}
		if w.Map.Input == "" {
			return fmt.Errorf("map input required")
		}
		if w.Map.MaxParallel <= 0 {
			w.Map.MaxParallel = 4
		}
		if w.Map.MaxItems < 0 || w.Map.Offset < 0 {
			return fmt.Errorf("max_items and offset must be non-negative")
		}
		if w.ErrorPolicy == nil {
			w.ErrorPolicy = DefaultErrorPolicy()
		}
		if err := w.ErrorPolicy.validate(); err != nil {
			return fmt.Errorf("invalid error_policy: %w", err)
		}
	default:
		return fmt.Errorf("unknown workflow mode %q", w.Mode)
	}

	seen := map[string]bool{}
	counter := 0
	for _, group := range [][]*Step{w.Steps, w.Setup, w.mapSteps(), w.Reduce} {
		for _, step := range group {
			counter++
			if step.ID == "" {
				step.ID = fmt.Sprintf("step-%d", counter)
			}
			if seen[step.ID] {
				return fmt.Errorf("duplicate step id %q", step.ID)
			}
			seen[step.ID] = true
			if err := validateStep(step, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Workflow) mapSteps() []*Step {
	if w.Map == nil {
		return nil
	}
	return w.Map.Steps
}

// validateStep validates a step and its nested handlers, enforcing the
// maximum handler nesting depth.
func validateStep(step *Step, depth int) error {
	if depth > maxHandlerDepth {
		return fmt.Errorf("step %q: handler nesting exceeds maximum depth %d", step.ID, maxHandlerDepth)
	}
	if err := step.validate(); err != nil {
		return err
	}
	for _, handler := range []*Handler{step.OnFailure, step.OnSuccess} {
		if handler == nil {
			continue
		}
		for _, nested := range handler.Steps {
			if err := validateStep(nested, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
