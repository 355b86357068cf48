package core

import "time"

// RunStatus is the lifecycle state of a runner-managed run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunStopped   RunStatus = "stopped"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether s is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStopped, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Run is the record of an autonomous multi-step execution bound to one agent.
// Steps is append-only.
type Run struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agent_id"`
	Status    RunStatus    `json:"status"`
	MaxSteps  int          `json:"max_steps"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitzero"`
	Steps     []StepResult `json:"steps"`
	Error     string       `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (r Run) Clone() Run {
	steps := make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		steps[i] = s.Clone()
	}
	r.Steps = steps
	return r
}

// RunStatusView is the lightweight status of a run without its step log.
type RunStatusView struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Status    RunStatus `json:"status"`
	StepCount int       `json:"step_count"`
	MaxSteps  int       `json:"max_steps"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// StatusView summarizes r.
func (r Run) StatusView() RunStatusView {
	return RunStatusView{
		ID:        r.ID,
		AgentID:   r.AgentID,
		Status:    r.Status,
		StepCount: len(r.Steps),
		MaxSteps:  r.MaxSteps,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Error:     r.Error,
	}
}

// LastEpoch returns the epoch of the newest logged step, or false when empty.
func (r Run) LastEpoch() (uint64, bool) {
	if len(r.Steps) == 0 {
		return 0, false
	}
	return r.Steps[len(r.Steps)-1].Epoch, true
}
