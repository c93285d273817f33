package types

import "time"

// Stage describes one phase of the model cascade: a named model that is
// stepped StepCount times. Stages are data, fixed at rollout start.
type Stage struct {
	Name      string `json:"name" validate:"required"`
	StepCount int    `json:"step_count" validate:"gt=0"`
	ModelPath string `json:"model_path" validate:"required"`
}

// TotalSteps sums the step counts of an ordered stage list.
func TotalSteps(stages []Stage) int {
	total := 0
	for _, s := range stages {
		total += s.StepCount
	}
	return total
}

// StepRecord is the persisted artifact of one completed step. It is created
// once the artifact is durably stored and never mutated afterwards.
type StepRecord struct {
	Step      int       `json:"step"`
	Stage     string    `json:"stage"`
	ValidTime time.Time `json:"valid_time"`
	Location  string    `json:"location"`
	SizeBytes int64     `json:"size_bytes"`
	Digest    string    `json:"digest"`
}

// RolloutRequest is one unit of work handed to the engine by the batch
// layer: two input artifacts plus optional output overrides.
type RolloutRequest struct {
	Filename1    string `json:"filename1" validate:"required"`
	Filename2    string `json:"filename2" validate:"required"`
	OutputPrefix string `json:"output_prefix,omitempty"`
	MaxSteps     int    `json:"max_steps,omitempty" validate:"gte=0"`
}

// RolloutResult is returned to the caller after a successful rollout.
// S3Paths mirrors Steps[i].Location for clients that only need locations.
type RolloutResult struct {
	RunID    string       `json:"run_id"`
	InitTime time.Time    `json:"init_time"`
	Steps    []StepRecord `json:"steps"`
	S3Paths  []string     `json:"s3_paths"`
}

// RunStatus is the lifecycle status of a rollout run in the ledger.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RolloutRun is the ledger view of one rollout invocation.
type RolloutRun struct {
	ID             string     `json:"id"`
	Input1         string     `json:"input1"`
	Input2         string     `json:"input2"`
	Destination    string     `json:"destination"`
	InitTime       time.Time  `json:"init_time"`
	Status         RunStatus  `json:"status"`
	StepsCompleted int        `json:"steps_completed"`
	FailedStep     *int       `json:"failed_step,omitempty"`
	FailedStage    string     `json:"failed_stage,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
