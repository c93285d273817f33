package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/grid"
	"cascade/internal/rollout"
	"cascade/internal/runtime"
	"cascade/internal/sink"
	"cascade/internal/storage"
	"cascade/internal/types"
)

var initTime = time.Date(2023, 10, 12, 6, 0, 0, 0, time.UTC)

type memLedger struct {
	mu       sync.Mutex
	created  []*types.RolloutRun
	steps    map[string][]types.StepRecord
	finished []*types.RolloutRun
	stepErr  error
}

func newMemLedger() *memLedger {
	return &memLedger{steps: map[string][]types.StepRecord{}}
}

func (l *memLedger) Create(_ context.Context, run *types.RolloutRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.created = append(l.created, &cp)
	return nil
}

func (l *memLedger) RecordStep(_ context.Context, runID string, rec types.StepRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stepErr != nil {
		return l.stepErr
	}
	l.steps[runID] = append(l.steps[runID], rec)
	return nil
}

func (l *memLedger) Finish(_ context.Context, run *types.RolloutRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *run
	l.finished = append(l.finished, &cp)
	return nil
}

func writeInput(t *testing.T, path string, lat []float64) {
	t.Helper()
	g := &grid.Grid{
		Variables: []string{"z500", "t850"},
		Lat:       lat,
		Lon:       []float64{0, 120, 240},
		Times:     []time.Time{initTime.Add(-6 * time.Hour), initTime},
		Data:      make([]float32, 2*2*len(lat)*3),
	}
	for i := range g.Data {
		g.Data[i] = float32(i) / 10
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, grid.Encode(f, g))
}

type fixture struct {
	svc        *Service
	ledger     *memLedger
	echo       *runtime.EchoRuntime
	input1     string
	input2     string
	scratchDir string
}

func newFixture(t *testing.T, runner Runner) *fixture {
	t.Helper()
	root := t.TempDir()
	fx := &fixture{
		ledger:     newMemLedger(),
		echo:       &runtime.EchoRuntime{OutputName: types.TensorOutput},
		input1:     filepath.Join(root, "inputs", "20231012-06_input.grid.zst"),
		input2:     filepath.Join(root, "inputs", "20231012-06_aux.grid.zst"),
		scratchDir: t.TempDir(),
	}
	writeInput(t, fx.input1, []float64{90, 0, -90})
	writeInput(t, fx.input2, []float64{90, 0, -90})

	store := storage.NewRouter(nil, storage.FileStore{})
	if runner == nil {
		runner = rollout.NewController(rollout.Config{
			Runtime: fx.echo,
			Sink: NewRecordingSink(
				sink.New(sink.Config{Store: store, ScratchDir: t.TempDir()}),
				fx.ledger, nil),
			Clock: clockwork.NewFakeClockAt(initTime),
		})
	}
	fx.svc = New(Config{
		Store:  store,
		Runner: runner,
		Ledger: fx.ledger,
		Stages: []types.Stage{
			{Name: "short", StepCount: 2, ModelPath: "/models/short.onnx"},
			{Name: "medium", StepCount: 1, ModelPath: "/models/medium.onnx"},
			{Name: "long", StepCount: 1, ModelPath: "/models/long.onnx"},
		},
		ScratchDir: fx.scratchDir,
		Clock:      clockwork.NewFakeClockAt(initTime.Add(time.Hour)),
		NewID:      func() string { return "run-fixed" },
	})
	return fx
}

func (fx *fixture) request() types.RolloutRequest {
	return types.RolloutRequest{Filename1: fx.input1, Filename2: fx.input2}
}

func TestExecute_EndToEnd(t *testing.T) {
	fx := newFixture(t, nil)

	res, err := fx.svc.Execute(context.Background(), fx.request())
	require.NoError(t, err)

	assert.Equal(t, "run-fixed", res.RunID)
	assert.Equal(t, initTime, res.InitTime)
	require.Len(t, res.Steps, 4)
	require.Len(t, res.S3Paths, 4)

	dest := filepath.Join(filepath.Dir(fx.input1), "20231012-06_input", "result")
	assert.Equal(t, filepath.Join(dest, "20231012-06_input_001.grid.zst"), res.S3Paths[0])
	assert.Equal(t, filepath.Join(dest, "20231012-06_input_004.grid.zst"), res.S3Paths[3])
	for _, p := range res.S3Paths {
		_, err := os.Stat(p)
		assert.NoError(t, err, "artifact %s must exist", p)
	}

	assert.Len(t, fx.echo.Loads(), 3)

	require.Len(t, fx.ledger.created, 1)
	assert.Equal(t, types.RunStatusRunning, fx.ledger.created[0].Status)
	assert.Equal(t, dest, fx.ledger.created[0].Destination)
	assert.Len(t, fx.ledger.steps["run-fixed"], 4)
	require.Len(t, fx.ledger.finished, 1)
	assert.Equal(t, types.RunStatusSucceeded, fx.ledger.finished[0].Status)
	assert.Equal(t, 4, fx.ledger.finished[0].StepsCompleted)

	entries, err := os.ReadDir(fx.scratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "downloaded inputs must be removed")
}

func TestExecute_MaxSteps(t *testing.T) {
	fx := newFixture(t, nil)
	req := fx.request()
	req.MaxSteps = 2

	res, err := fx.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Steps, 2)
	assert.Len(t, fx.echo.Loads(), 1)
}

func TestExecute_InvalidRequest(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.svc.Execute(context.Background(), types.RolloutRequest{Filename1: fx.input1})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationInvalidRequest, types.CodeOf(err))
	assert.Empty(t, fx.ledger.created)
}

func TestExecute_MissingSecondInput(t *testing.T) {
	fx := newFixture(t, nil)
	req := fx.request()
	req.Filename2 = filepath.Join(t.TempDir(), "missing.zst")

	_, err := fx.svc.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeStorageRead, types.CodeOf(err))
	assert.Empty(t, fx.ledger.created)
	assert.Empty(t, fx.echo.Loads())

	entries, _ := os.ReadDir(fx.scratchDir)
	assert.Empty(t, entries)
}

func TestExecute_BadLatitude(t *testing.T) {
	fx := newFixture(t, nil)
	writeInput(t, fx.input1, []float64{-90, 0, 90})

	_, err := fx.svc.Execute(context.Background(), fx.request())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeValidationLatitude, types.CodeOf(err))
	assert.Empty(t, fx.echo.Loads())

	require.Len(t, fx.ledger.finished, 1)
	run := fx.ledger.finished[0]
	assert.Equal(t, types.RunStatusFailed, run.Status)
	assert.Nil(t, run.FailedStep)
	assert.Contains(t, run.Error, "validation_latitude_orientation")
}

type failingRunner struct {
	plans []rollout.Plan
}

func (r *failingRunner) Run(_ context.Context, p rollout.Plan) (*rollout.Result, error) {
	r.plans = append(r.plans, p)
	return nil, &rollout.RunError{
		Step:    2,
		Stage:   "medium",
		State:   rollout.State{Phase: rollout.PhaseFailed, StageIndex: 1, Stage: "medium", Step: 2},
		Records: []types.StepRecord{{Step: 0}, {Step: 1}},
		Err:     types.NewAppError(types.ErrCodeModelExecution, "boom", nil),
	}
}

func TestExecute_RunFailureIsRecorded(t *testing.T) {
	runner := &failingRunner{}
	fx := newFixture(t, runner)
	req := fx.request()
	req.OutputPrefix = "s3://forecasts/custom"

	_, err := fx.svc.Execute(context.Background(), req)
	require.Error(t, err)
	var runErr *rollout.RunError
	require.ErrorAs(t, err, &runErr)

	require.Len(t, runner.plans, 1)
	p := runner.plans[0]
	assert.Equal(t, "s3://forecasts/custom", p.Destination)
	assert.Equal(t, fx.input1, p.SourceName)
	assert.Equal(t, initTime, p.InitTime)
	assert.Len(t, p.Stages, 3)

	require.Len(t, fx.ledger.finished, 1)
	run := fx.ledger.finished[0]
	assert.Equal(t, types.RunStatusFailed, run.Status)
	require.NotNil(t, run.FailedStep)
	assert.Equal(t, 2, *run.FailedStep)
	assert.Equal(t, "medium", run.FailedStage)
	assert.Equal(t, 2, run.StepsCompleted)
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "s3://datalab/sample/20231012-06_input_netcdf/result",
		Destination(types.RolloutRequest{Filename1: "s3://datalab/sample/20231012-06_input_netcdf.nc"}))
	assert.Equal(t, "s3://out/prefix",
		Destination(types.RolloutRequest{Filename1: "s3://datalab/a.nc", OutputPrefix: "s3://out/prefix"}))
	assert.Equal(t, "s3://in/20231012-06_input/result",
		Destination(types.RolloutRequest{Filename1: "s3://in/20231012-06_input.grid.zst"}))
}

type stubSink struct{ err error }

func (s stubSink) Persist(_ context.Context, out sink.StepOutput) (types.StepRecord, error) {
	return types.StepRecord{Step: out.Step, Location: "loc"}, s.err
}

func TestRecordingSink(t *testing.T) {
	ledger := newMemLedger()
	rs := NewRecordingSink(stubSink{}, ledger, nil)

	_, err := rs.Persist(context.Background(), sink.StepOutput{Step: 0})
	require.NoError(t, err)
	assert.Empty(t, ledger.steps, "no run id, nothing recorded")

	ctx := types.WithRunID(context.Background(), "run-1")
	_, err = rs.Persist(ctx, sink.StepOutput{Step: 1})
	require.NoError(t, err)
	assert.Len(t, ledger.steps["run-1"], 1)

	ledger.stepErr = errors.New("db down")
	_, err = rs.Persist(ctx, sink.StepOutput{Step: 2})
	assert.NoError(t, err, "ledger failures do not fail the step")

	failing := NewRecordingSink(stubSink{err: errors.New("upload")}, ledger, nil)
	_, err = failing.Persist(ctx, sink.StepOutput{Step: 3})
	assert.Error(t, err)
	assert.Len(t, ledger.steps["run-1"], 1)
}
