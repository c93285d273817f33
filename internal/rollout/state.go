package rollout

import (
	"fmt"

	"cascade/internal/types"
)

// Phase is the coarse position of a rollout in its lifecycle.
type Phase string

const (
	PhaseNotStarted   Phase = "not_started"
	PhaseStageLoading Phase = "stage_loading"
	PhaseStepping     Phase = "stepping"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// State pins a rollout to a phase, stage and global step. Completed and
// Failed are terminal.
type State struct {
	Phase      Phase  `json:"phase"`
	StageIndex int    `json:"stage_index"`
	Stage      string `json:"stage,omitempty"`
	Step       int    `json:"step"`
}

func (s State) String() string {
	switch s.Phase {
	case PhaseStageLoading:
		return fmt.Sprintf("%s(%d:%s)", s.Phase, s.StageIndex, s.Stage)
	case PhaseStepping, PhaseFailed:
		return fmt.Sprintf("%s(%d:%s, step %d)", s.Phase, s.StageIndex, s.Stage, s.Step)
	default:
		return string(s.Phase)
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

// RunError is returned for every failed rollout. It names the step and
// stage that failed and carries the records that were durably persisted
// before the failure.
type RunError struct {
	Step    int
	Stage   string
	State   State
	Records []types.StepRecord
	Err     error
}

func (e *RunError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("rollout failed before start: %v", e.Err)
	}
	return fmt.Sprintf("rollout failed at step %d (stage %s): %v", e.Step, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Code returns the error code of the underlying failure.
func (e *RunError) Code() types.ErrorCode {
	return types.CodeOf(e.Err)
}
