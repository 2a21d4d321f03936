package tilth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Workspace is one agent's isolated working copy. No two agents ever share
// a workspace; it is reclaimed once the agent's result is durably recorded.
type Workspace interface {
	// Dir returns the workspace's working directory
	Dir() string

	// Teardown reclaims the workspace
	Teardown(ctx context.Context) error
}

// Provisioner creates isolated workspaces for agents. Concrete working-copy
// mechanisms (VCS worktrees, containers) live behind this boundary.
type Provisioner interface {
	Provision(ctx context.Context, runID, agentID string) (Workspace, error)
}

// LocalProvisioner provisions plain directories under a root. It is the
// default: enough isolation for independent command runs, with the VCS
// worktree provisioner supplied externally when real working copies are
// needed.
type LocalProvisioner struct {
	// Root is the parent directory; empty uses the system temp dir
	Root string
}

func NewLocalProvisioner(root string) *LocalProvisioner {
	return &LocalProvisioner{Root: root}
}

func (p *LocalProvisioner) Provision(ctx context.Context, runID, agentID string) (Workspace, error) {
	root := p.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "tilth")
	}
	dir := filepath.Join(root, runID, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to provision workspace: %w", err)
	}
	return &localWorkspace{dir: dir}, nil
}

type localWorkspace struct {
	dir string
}

func (w *localWorkspace) Dir() string {
	return w.dir
}

func (w *localWorkspace) Teardown(ctx context.Context) error {
	return os.RemoveAll(w.dir)
}

// SharedDirProvisioner hands every agent the same directory and never tears
// it down. Only suitable for workflows whose commands do not touch the
// working copy; it exists mainly for tests and dry runs.
type SharedDirProvisioner struct {
	Path string
}

func (p *SharedDirProvisioner) Provision(ctx context.Context, runID, agentID string) (Workspace, error) {
	return sharedWorkspace{dir: p.Path}, nil
}

type sharedWorkspace struct {
	dir string
}

func (w sharedWorkspace) Dir() string {
	return w.dir
}

func (w sharedWorkspace) Teardown(ctx context.Context) error {
	return nil
}

// Agent is the runtime pairing of one work item with an isolated execution
// context: its own workspace and its own variable scope parent-linked to
// the setup scope. Setup-captured variables are visible; sibling agent
// variables are not.
type Agent struct {
	ID        string
	Item      WorkItem
	Attempt   int
	Workspace Workspace
	Scope     *Variables
	StartTime time.Time
}

// newAgent creates an agent for one admitted work item.
func newAgent(id string, item WorkItem, attempt int, workspace Workspace, setupScope *Variables) *Agent {
	scope := setupScope.Child()
	agent := &Agent{
		ID:        id,
		Item:      item,
		Attempt:   attempt,
		Workspace: workspace,
		Scope:     scope,
		StartTime: time.Now(),
	}
	scope.Set("item", item.Value)
	scope.Set("item_index", item.Index)
	scope.Set("worker_id", agent.ID)
	return agent
}

// run executes the map-phase step sequence in the agent's isolated context
// and returns the terminal result. The first failing step ends the
// sequence; its error becomes the agent's error.
func (a *Agent) run(ctx context.Context, runner *StepRunner, steps []*Step, timeout Duration) (*AgentResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout.Std())
		defer cancel()
	}

	agentRunner := runner.InDir(a.Workspace.Dir())
	result := &AgentResult{
		AgentID:   a.ID,
		ItemIndex: a.Item.Index,
		ItemID:    a.Item.ID(),
		Attempts:  a.Attempt,
		StartTime: a.StartTime,
	}

	for _, step := range steps {
		stepResult, err := agentRunner.Run(ctx, step, a.Scope)
		result.Steps = append(result.Steps, stepResult)
		if err != nil {
			result.Success = false
			result.ErrorMessage = err.Error()
			result.EndTime = time.Now()
			return result, err
		}
	}

	result.Success = true
	result.EndTime = time.Now()
	return result, nil
}
