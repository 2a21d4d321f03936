package tilth

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so workflow documents can use human-readable
// strings like "30s" or "2m".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// CommandKind identifies which kind of command a step runs. The set is
// closed so dispatch can be checked exhaustively.
type CommandKind string

const (
	CommandShell CommandKind = "shell"
	CommandAgent CommandKind = "agent"
)

// Step is one configured unit of work within a workflow. A step is an
// immutable template; each execution yields a StepResult. Steps may embed
// nested steps as success and failure handlers.
type Step struct {
	ID            string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name          string            `yaml:"name,omitempty" json:"name,omitempty"`
	Shell         string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	Agent         string            `yaml:"agent,omitempty" json:"agent,omitempty"`
	When          string            `yaml:"when,omitempty" json:"when,omitempty"`
	WorkDir       string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout       Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxAttempts   int               `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	CaptureOutput string            `yaml:"capture_output,omitempty" json:"capture_output,omitempty"`
	OnFailure     *Handler          `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	OnSuccess     *Handler          `yaml:"on_success,omitempty" json:"on_success,omitempty"`
}

// stepAlias avoids UnmarshalYAML recursion while still accepting the
// max_retries alias for max_attempts.
type stepAlias struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Shell         string            `yaml:"shell"`
	Agent         string            `yaml:"agent"`
	When          string            `yaml:"when"`
	WorkDir       string            `yaml:"workdir"`
	Env           map[string]string `yaml:"env"`
	Timeout       Duration          `yaml:"timeout"`
	MaxAttempts   int               `yaml:"max_attempts"`
	MaxRetries    int               `yaml:"max_retries"`
	CaptureOutput string            `yaml:"capture_output"`
	OnFailure     *Handler          `yaml:"on_failure"`
	OnSuccess     *Handler          `yaml:"on_success"`
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	// Shorthand form: a bare string is a shell command
	if node.Kind == yaml.ScalarNode {
		var cmd string
		if err := node.Decode(&cmd); err != nil {
			return err
		}
		s.Shell = cmd
		return nil
	}
	var aux stepAlias
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*s = Step{
		ID:            aux.ID,
		Name:          aux.Name,
		Shell:         aux.Shell,
		Agent:         aux.Agent,
		When:          aux.When,
		WorkDir:       aux.WorkDir,
		Env:           aux.Env,
		Timeout:       aux.Timeout,
		MaxAttempts:   aux.MaxAttempts,
		CaptureOutput: aux.CaptureOutput,
		OnFailure:     aux.OnFailure,
		OnSuccess:     aux.OnSuccess,
	}
	if s.MaxAttempts == 0 && aux.MaxRetries > 0 {
		s.MaxAttempts = aux.MaxRetries
	}
	return nil
}

// Kind returns the step's command kind.
func (s *Step) Kind() CommandKind {
	if s.Agent != "" {
		return CommandAgent
	}
	return CommandShell
}

// CommandText returns the raw command template for the step's kind.
func (s *Step) CommandText() string {
	if s.Agent != "" {
		return s.Agent
	}
	return s.Shell
}

// Attempts returns the step's total attempt budget. Retry is implicit once
// the budget exceeds one; there is no separate toggle.
func (s *Step) Attempts() int {
	n := s.MaxAttempts
	if s.OnFailure != nil && s.OnFailure.MaxAttempts > n {
		n = s.OnFailure.MaxAttempts
	}
	if n < 1 {
		return 1
	}
	return n
}

func (s *Step) validate() error {
	if s.Shell != "" && s.Agent != "" {
		return fmt.Errorf("step %q: shell and agent are mutually exclusive", s.ID)
	}
	if s.Shell == "" && s.Agent == "" {
		return fmt.Errorf("step %q: a shell or agent command is required", s.ID)
	}
	return nil
}

// Handler configures what happens after a step succeeds or fails. The YAML
// form is polymorphic:
//
//	on_failure: true                  # tolerate the failure, continue
//	on_failure: "make clean"          # run a single recovery command
//	on_failure: ["cmd1", "cmd2"]      # run several
//	on_failure:                       # detailed form
//	  shell: "make clean"
//	  max_attempts: 3
//	  fatal: true
type Handler struct {
	Steps       []*Step `json:"steps,omitempty"`
	Fatal       bool    `json:"fatal,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Tolerate    bool    `json:"tolerate,omitempty"`
}

// handlerObject is the detailed mapping form of a handler.
type handlerObject struct {
	Shell       string   `yaml:"shell"`
	Agent       string   `yaml:"agent"`
	Commands    []*Step  `yaml:"commands"`
	Fatal       bool     `yaml:"fatal"`
	MaxAttempts int      `yaml:"max_attempts"`
	Timeout     Duration `yaml:"timeout"`
}

func (h *Handler) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := node.Decode(&b); err == nil {
			// Boolean true tolerates the failure; false is the same as
			// having no handler at all.
			*h = Handler{Tolerate: b}
			return nil
		}
		var cmd string
		if err := node.Decode(&cmd); err != nil {
			return err
		}
		*h = Handler{Steps: []*Step{{Shell: cmd}}}
		return nil
	case yaml.SequenceNode:
		var steps []*Step
		if err := node.Decode(&steps); err != nil {
			return err
		}
		*h = Handler{Steps: steps}
		return nil
	case yaml.MappingNode:
		var obj handlerObject
		if err := node.Decode(&obj); err != nil {
			return err
		}
		out := Handler{Fatal: obj.Fatal, MaxAttempts: obj.MaxAttempts}
		if obj.Shell != "" || obj.Agent != "" {
			out.Steps = append(out.Steps, &Step{
				Shell:   obj.Shell,
				Agent:   obj.Agent,
				Timeout: obj.Timeout,
			})
		}
		out.Steps = append(out.Steps, obj.Commands...)
		*h = out
		return nil
	}
	return fmt.Errorf("invalid handler value")
}

// Empty reports whether the handler has no steps to run.
func (h *Handler) Empty() bool {
	return h == nil || len(h.Steps) == 0
}
