// Package rollout drives the autoregressive multi-stage forecast: each step
// feeds the previous step's retained output back into the current stage
// model, persists the result, and moves on.
package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"cascade/internal/grid"
	"cascade/internal/observability"
	"cascade/internal/runtime"
	"cascade/internal/sink"
	"cascade/internal/stage"
	"cascade/internal/temporal"
	"cascade/internal/types"
)

// Plan describes one rollout.
type Plan struct {
	// Initial is the starting state. It is never modified.
	Initial *grid.Grid
	// InitTime anchors the time embeddings. Zero means the time of the
	// last frame of Initial.
	InitTime time.Time
	Stages   []types.Stage
	// Destination is the location prefix step artifacts are written under.
	Destination string
	// SourceName is the input locator whose stem names the artifacts.
	SourceName string
	// MaxSteps caps the total number of steps when positive.
	MaxSteps int
}

// Result is a completed rollout.
type Result struct {
	InitTime time.Time
	Records  []types.StepRecord
	State    State
	// Final is the rolling state after the last step.
	Final *grid.Grid
}

// Config holds the dependencies of a Controller.
type Config struct {
	Runtime runtime.Runtime
	Sink    sink.Sink
	// Models resolves remote model paths. Share one Fetcher across
	// controllers so each model is downloaded once per process.
	Models *stage.Fetcher
	// Frequency is the spacing between steps. Defaults to 6h.
	Frequency time.Duration
	// OutputName is the model output holding the predicted window.
	// Defaults to "output".
	OutputName     string
	SessionOptions *runtime.SessionOptions
	Clock          clockwork.Clock
	Metrics        observability.Metrics
	Logger         *slog.Logger
}

// Controller runs rollouts. It holds no per-rollout state, so one
// Controller may serve rollouts one after another; every Run gets its own
// stage cache.
type Controller struct {
	rt         runtime.Runtime
	sink       sink.Sink
	models     *stage.Fetcher
	freq       time.Duration
	outputName string
	opts       runtime.SessionOptions
	clock      clockwork.Clock
	metrics    observability.Metrics
	logger     *slog.Logger
}

// NewController creates a Controller, filling defaults.
func NewController(cfg Config) *Controller {
	c := &Controller{
		rt:         cfg.Runtime,
		sink:       cfg.Sink,
		models:     cfg.Models,
		freq:       cfg.Frequency,
		outputName: cfg.OutputName,
		opts:       runtime.BoundedMemoryOptions(),
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if cfg.SessionOptions != nil {
		c.opts = *cfg.SessionOptions
	}
	if c.freq <= 0 {
		c.freq = temporal.DefaultFrequency
	}
	if c.outputName == "" {
		c.outputName = types.TensorOutput
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.metrics == nil {
		c.metrics = observability.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Validate checks the preconditions of a plan. It performs no I/O.
func Validate(p Plan) error {
	if len(p.Stages) == 0 {
		return types.NewAppError(types.ErrCodeValidationEmptyStages, "at least one stage is required", nil)
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, st := range p.Stages {
		switch {
		case st.Name == "":
			return types.NewAppError(types.ErrCodeValidationInvalidStage, fmt.Sprintf("stage %d has no name", i), nil)
		case st.ModelPath == "":
			return types.NewAppError(types.ErrCodeValidationInvalidStage, fmt.Sprintf("stage %s has no model path", st.Name), nil)
		case st.StepCount <= 0:
			return types.NewAppError(types.ErrCodeValidationInvalidStage,
				fmt.Sprintf("stage %s has step count %d", st.Name, st.StepCount), nil)
		case seen[st.Name]:
			return types.NewAppError(types.ErrCodeValidationInvalidStage, fmt.Sprintf("stage %s is listed twice", st.Name), nil)
		}
		seen[st.Name] = true
	}
	if p.MaxSteps < 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidRequest, "max steps cannot be negative", nil)
	}
	if p.Destination == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "destination is required", nil)
	}
	if err := p.Initial.Validate(); err != nil {
		return err
	}
	return p.Initial.CheckOrientation()
}

// Run executes the plan. Steps run strictly in order; each step's output
// is persisted before the next step starts. On the first failure Run
// returns a *RunError holding every record persisted so far. ctx is only
// consulted between steps.
func (c *Controller) Run(ctx context.Context, p Plan) (*Result, error) {
	started := c.clock.Now()
	state := State{Phase: PhaseNotStarted}
	var records []types.StepRecord

	fail := func(err error) (*Result, error) {
		state.Phase = PhaseFailed
		c.metrics.RecordRollout(ctx, observability.StatusFailure, c.clock.Since(started))
		c.logger.ErrorContext(ctx, "rollout failed",
			"state", state.String(),
			"steps_completed", len(records),
			"error", err,
		)
		return nil, &RunError{
			Step:    state.Step,
			Stage:   state.Stage,
			State:   state,
			Records: records,
			Err:     err,
		}
	}

	if err := Validate(p); err != nil {
		return fail(err)
	}

	initTime := p.InitTime
	if initTime.IsZero() {
		initTime = p.Initial.InitTime()
	}
	total := types.TotalSteps(p.Stages)
	if p.MaxSteps > 0 && p.MaxSteps < total {
		total = p.MaxSteps
	}
	embeddings, err := temporal.Encode(initTime, total, c.freq)
	if err != nil {
		return fail(err)
	}

	c.logger.InfoContext(ctx, "rollout starting",
		"init_time", initTime.Format("20060102-15"),
		"total_steps", total,
		"stages", len(p.Stages),
		"destination", p.Destination,
		"lat_first", p.Initial.Lat[0],
		"lat_last", p.Initial.Lat[len(p.Initial.Lat)-1],
	)

	cache := stage.NewCache(stage.Config{
		Runtime: c.rt,
		Fetcher: c.models,
		Options: c.opts,
		Clock:   c.clock,
		Logger:  c.logger,
	})
	defer func() {
		if err := cache.Close(context.WithoutCancel(ctx)); err != nil {
			c.logger.WarnContext(ctx, "failed to release stage models", "error", err)
		}
	}()

	rolling := p.Initial
	step := 0

	for i, st := range p.Stages {
		if step >= len(embeddings) {
			break
		}
		state = State{Phase: PhaseStageLoading, StageIndex: i, Stage: st.Name, Step: step}

		loadStart := c.clock.Now()
		sess, err := cache.Acquire(ctx, st)
		if err != nil {
			return fail(err)
		}
		c.metrics.RecordStageLoad(ctx, st.Name, c.clock.Since(loadStart))

		stageStart := c.clock.Now()
		for j := 0; j < st.StepCount && step < len(embeddings); j++ {
			if err := ctx.Err(); err != nil {
				return fail(types.NewAppError(types.ErrCodeInternalUnexpected, "rollout interrupted", err))
			}
			state = State{Phase: PhaseStepping, StageIndex: i, Stage: st.Name, Step: step}

			stepStart := c.clock.Now()
			next, rec, err := c.step(ctx, sess, rolling, embeddings[step], p, st, initTime, step)
			if err != nil {
				c.metrics.RecordStep(ctx, st.Name, observability.StatusFailure, c.clock.Since(stepStart))
				return fail(err)
			}
			c.metrics.RecordStep(ctx, st.Name, observability.StatusSuccess, c.clock.Since(stepStart))

			records = append(records, rec)
			rolling = next
			step++
		}

		c.logger.InfoContext(ctx, "stage finished",
			"stage", st.Name,
			"steps", step,
			"elapsed_ms", c.clock.Since(stageStart).Milliseconds(),
		)
		if err := cache.Release(ctx, st.Name); err != nil {
			c.logger.WarnContext(ctx, "stage model release failed", "stage", st.Name, "error", err)
		}
	}

	state = State{Phase: PhaseCompleted, StageIndex: state.StageIndex, Stage: state.Stage, Step: step}
	c.metrics.RecordRollout(ctx, observability.StatusSuccess, c.clock.Since(started))
	c.logger.InfoContext(ctx, "rollout completed",
		"steps", step,
		"elapsed_ms", c.clock.Since(started).Milliseconds(),
	)
	return &Result{
		InitTime: initTime,
		Records:  records,
		State:    state,
		Final:    rolling,
	}, nil
}

// step runs the model once, keeps the newest frame of the predicted window
// and hands it to the sink.
func (c *Controller) step(
	ctx context.Context,
	sess runtime.Session,
	rolling *grid.Grid,
	emb temporal.Embedding,
	p Plan,
	st types.Stage,
	initTime time.Time,
	step int,
) (*grid.Grid, types.StepRecord, error) {
	outputs, err := sess.Run(ctx, map[string]runtime.Tensor{
		types.TensorInput: rolling.Tensor(),
		types.TensorTemb:  emb.Tensor(),
	})
	if err != nil {
		if types.CodeOf(err) != types.ErrCodeModelExecution {
			err = types.NewAppError(types.ErrCodeModelExecution, fmt.Sprintf("model %s failed at step %d", st.Name, step), err)
		}
		return nil, types.StepRecord{}, err
	}

	out, err := runtime.Output(outputs, c.outputName)
	if err != nil {
		return nil, types.StepRecord{}, err
	}
	window, err := grid.FromTensor(out, rolling)
	if err != nil {
		return nil, types.StepRecord{}, err
	}
	next, err := window.LastFrame()
	if err != nil {
		return nil, types.StepRecord{}, err
	}
	validTime := initTime.Add(time.Duration(step+1) * c.freq)
	next.Times[0] = validTime

	stats := next.Stats()
	c.logger.InfoContext(ctx, "step computed",
		"stage", st.Name,
		"step", step+1,
		"valid_time", validTime,
		"min", stats.Min,
		"max", stats.Max,
		"mean", stats.Mean,
	)

	rec, err := c.sink.Persist(ctx, sink.StepOutput{
		Step:        step,
		Stage:       st.Name,
		ValidTime:   validTime,
		State:       next,
		Destination: p.Destination,
		SourceName:  p.SourceName,
	})
	if err != nil {
		return nil, types.StepRecord{}, err
	}
	return next, rec, nil
}
