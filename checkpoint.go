package tilth

import (
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new prefixed unique run identifier.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewAgentID returns a new prefixed unique agent identifier.
func NewAgentID() string {
	id, err := typeid.WithPrefix("agent")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunPhase identifies which phase of a MapReduce run is in progress.
type RunPhase string

const (
	PhaseSetup  RunPhase = "setup"
	PhaseMap    RunPhase = "map"
	PhaseReduce RunPhase = "reduce"
	PhaseDone   RunPhase = "done"
)

// AgentResult is the terminal outcome of one work item's agent execution.
// Only terminal results are checkpointed, which makes resume idempotent by
// construction: a recorded item is never re-executed.
type AgentResult struct {
	AgentID      string        `json:"agent_id"`
	ItemIndex    int           `json:"item_index"`
	ItemID       string        `json:"item_id"`
	Attempts     int           `json:"attempts"`
	Success      bool          `json:"success"`
	Skipped      bool          `json:"skipped,omitempty"`
	Steps        []*StepResult `json:"steps,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartTime    time.Time     `json:"start_time,omitzero"`
	EndTime      time.Time     `json:"end_time,omitzero"`
}

// RunCounters is the aggregate item accounting persisted with each
// checkpoint.
type RunCounters struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// RunState is the complete serializable snapshot of run progress: the sole
// source of truth for resume. Each save fully replaces the previous
// snapshot, and successive snapshots form a monotonically non-decreasing
// set of completed results.
type RunState struct {
	RunID        string    `json:"run_id"`
	WorkflowName string    `json:"workflow_name"`
	Mode         Mode      `json:"mode"`
	Status       RunStatus `json:"status"`
	Phase        RunPhase  `json:"phase,omitempty"`

	// Sequential mode: terminal results keyed by step ID
	StepResults map[string]*StepResult `json:"step_results,omitempty"`

	// MapReduce mode
	SetupResults  map[string]*StepResult `json:"setup_results,omitempty"`
	SetupComplete bool                   `json:"setup_complete,omitempty"`
	AgentResults  map[int]*AgentResult   `json:"agent_results,omitempty"`
	ReduceResults map[string]*StepResult `json:"reduce_results,omitempty"`
	TotalItems    int                    `json:"total_items,omitempty"`
	DeadLetters   []*DeadLetterEntry     `json:"dead_letters,omitempty"`
	Breaker       BreakerSnapshot        `json:"breaker,omitzero"`
	Counters      RunCounters            `json:"counters"`

	// Captured variables: the sequential scope, or the setup scope for
	// MapReduce runs
	Variables map[string]any `json:"variables,omitempty"`

	Error        string    `json:"error,omitempty"`
	StartTime    time.Time `json:"start_time,omitzero"`
	EndTime      time.Time `json:"end_time,omitzero"`
	CheckpointAt time.Time `json:"checkpoint_at"`
}

// newRunState creates the initial state for a run.
func newRunState(runID string, w *Workflow) *RunState {
	return &RunState{
		RunID:         runID,
		WorkflowName:  w.Name,
		Mode:          w.Mode,
		Status:        RunPending,
		StepResults:   map[string]*StepResult{},
		SetupResults:  map[string]*StepResult{},
		AgentResults:  map[int]*AgentResult{},
		ReduceResults: map[string]*StepResult{},
		Variables:     map[string]any{},
		StartTime:     time.Now(),
	}
}

// RunSummary is a condensed view of a checkpointed run.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	WorkflowName string    `json:"workflow_name"`
	Status       RunStatus `json:"status"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitzero"`
	Error        string    `json:"error,omitempty"`
}

func (s *RunState) summary() *RunSummary {
	return &RunSummary{
		RunID:        s.RunID,
		WorkflowName: s.WorkflowName,
		Status:       s.Status,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Error:        s.Error,
	}
}
