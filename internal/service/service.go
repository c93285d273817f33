// Package service turns a rollout request into a rollout: it fetches and
// decodes the inputs, opens a ledger run, drives the controller and
// reports the persisted steps.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"cascade/internal/grid"
	"cascade/internal/rollout"
	"cascade/internal/storage"
	"cascade/internal/types"
)

// Runner executes a rollout plan. *rollout.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, p rollout.Plan) (*rollout.Result, error)
}

// Config holds the dependencies of a Service.
type Config struct {
	Store  storage.Store
	Runner Runner
	Ledger Ledger
	Stages []types.Stage
	// ScratchDir receives the downloaded inputs for the duration of a run.
	ScratchDir string
	Clock      clockwork.Clock
	Logger     *slog.Logger
	// NewID generates run ids. Defaults to uuid.NewString.
	NewID func() string
}

// Service executes rollout requests one at a time per call.
type Service struct {
	store      storage.Store
	runner     Runner
	ledger     Ledger
	stages     []types.Stage
	scratchDir string
	clock      clockwork.Clock
	logger     *slog.Logger
	newID      func() string
	validate   *validator.Validate
}

// New creates a Service.
func New(cfg Config) *Service {
	s := &Service{
		store:      cfg.Store,
		runner:     cfg.Runner,
		ledger:     cfg.Ledger,
		stages:     cfg.Stages,
		scratchDir: cfg.ScratchDir,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		newID:      cfg.NewID,
		validate:   validator.New(),
	}
	if s.scratchDir == "" {
		s.scratchDir = os.TempDir()
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Stages returns the configured stage schedule.
func (s *Service) Stages() []types.Stage {
	return s.stages
}

// Destination is where the artifacts of req are written: the explicit
// output prefix, or the first input's location without its extension
// followed by /result.
func Destination(req types.RolloutRequest) string {
	if req.OutputPrefix != "" {
		return req.OutputPrefix
	}
	return storage.Join(storage.TrimExt(req.Filename1), "result")
}

// Execute runs one rollout. Input 1 is the initial state; input 2 must
// decode and validate but does not otherwise take part in the rollout.
func (s *Service) Execute(ctx context.Context, req types.RolloutRequest) (*types.RolloutResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidRequest,
			"invalid rollout request", err, map[string]any{"fields": fieldErrors(err)})
	}

	runID := s.newID()
	ctx = types.WithRunID(ctx, runID)
	logger := s.logger.With("run_id", runID)

	logger.InfoContext(ctx, "rollout requested",
		"filename1", req.Filename1,
		"filename2", req.Filename2,
	)

	initial, err := s.loadInputs(ctx, runID, req)
	if err != nil {
		return nil, err
	}

	destination := Destination(req)
	run := &types.RolloutRun{
		ID:          runID,
		Input1:      req.Filename1,
		Input2:      req.Filename2,
		Destination: destination,
		InitTime:    initial.InitTime(),
		Status:      types.RunStatusRunning,
		StartedAt:   s.clock.Now().UTC(),
	}
	if err := s.ledger.Create(ctx, run); err != nil {
		return nil, err
	}

	res, runErr := s.runner.Run(ctx, rollout.Plan{
		Initial:     initial,
		InitTime:    initial.InitTime(),
		Stages:      s.stages,
		Destination: destination,
		SourceName:  req.Filename1,
		MaxSteps:    req.MaxSteps,
	})

	s.finish(ctx, logger, run, res, runErr)
	if runErr != nil {
		return nil, runErr
	}

	out := &types.RolloutResult{
		RunID:    runID,
		InitTime: res.InitTime,
		Steps:    res.Records,
		S3Paths:  make([]string, len(res.Records)),
	}
	for i, rec := range res.Records {
		out.S3Paths[i] = rec.Location
	}
	return out, nil
}

func (s *Service) finish(ctx context.Context, logger *slog.Logger, run *types.RolloutRun, res *rollout.Result, runErr error) {
	finished := s.clock.Now().UTC()
	run.FinishedAt = &finished
	if runErr == nil {
		run.Status = types.RunStatusSucceeded
		run.StepsCompleted = len(res.Records)
	} else {
		run.Status = types.RunStatusFailed
		run.Error = runErr.Error()
		var re *rollout.RunError
		if errors.As(runErr, &re) {
			run.StepsCompleted = len(re.Records)
			if re.Stage != "" {
				step := re.Step
				run.FailedStep = &step
				run.FailedStage = re.Stage
			}
		}
	}

	if err := s.ledger.Finish(context.WithoutCancel(ctx), run); err != nil {
		logger.ErrorContext(ctx, "failed to finish ledger run", "error", err)
	}
	logger.InfoContext(ctx, "rollout finished",
		"status", run.Status,
		"steps", run.StepsCompleted,
		"destination", run.Destination,
	)
}

// loadInputs fetches both inputs concurrently, decodes them and removes
// the local copies before returning.
func (s *Service) loadInputs(ctx context.Context, runID string, req types.RolloutRequest) (*grid.Grid, error) {
	local1 := filepath.Join(s.scratchDir, fmt.Sprintf("%s-1-%s", runID, storage.Stem(req.Filename1)))
	local2 := filepath.Join(s.scratchDir, fmt.Sprintf("%s-2-%s", runID, storage.Stem(req.Filename2)))
	defer s.removeLocal(ctx, local1)
	defer s.removeLocal(ctx, local2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.store.Download(gctx, req.Filename1, local1) })
	g.Go(func() error { return s.store.Download(gctx, req.Filename2, local2) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	initial, err := decodeFile(local1)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.CodeOf(err), "failed to decode input 1", err,
			map[string]any{"uri": req.Filename1})
	}
	second, err := decodeFile(local2)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.CodeOf(err), "failed to decode input 2", err,
			map[string]any{"uri": req.Filename2})
	}

	s.logger.InfoContext(ctx, "inputs decoded",
		"run_id", runID,
		"init_time", initial.InitTime(),
		"shape", initial.Shape(),
		"secondary_shape", second.Shape(),
	)
	return initial, nil
}

func decodeFile(path string) (*grid.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalScratch, "failed to open input", err)
	}
	defer f.Close()
	return grid.Decode(f)
}

func (s *Service) removeLocal(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WarnContext(ctx, "failed to remove local input", "path", path, "error", err)
	}
}

func fieldErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s:%s", fe.Field(), fe.Tag()))
	}
	return out
}
