package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"cascade/internal/types"
)

// RunRepository records rollout runs and their persisted steps.
//
// A run row is created before the first model is loaded, one step row is
// appended per durably persisted artifact, and the run is finished with
// its terminal status. Step rows are keyed by (run_id, step) so a replayed
// RecordStep is a no-op.
type RunRepository struct {
	db DBTX
}

// NewRunRepository creates a RunRepository backed by the given database
// connection (pool or transaction).
func NewRunRepository(db DBTX) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run in the running state.
func (r *RunRepository) Create(ctx context.Context, run *types.RolloutRun) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO rollout_runs
		    (id, input1, input2, destination, init_time, status, steps_completed, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		run.ID, run.Input1, run.Input2, run.Destination, run.InitTime, run.Status, run.StartedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create rollout run", err)
	}
	return nil
}

// RecordStep appends one persisted step and bumps the run's step counter
// in the same statement.
func (r *RunRepository) RecordStep(ctx context.Context, runID string, rec types.StepRecord) error {
	tag, err := r.db.Exec(ctx,
		`WITH ins AS (
		    INSERT INTO rollout_steps (run_id, step, stage, valid_time, location, size_bytes, digest)
		    VALUES ($1, $2, $3, $4, $5, $6, $7)
		    ON CONFLICT (run_id, step) DO NOTHING
		    RETURNING 1
		 )
		 UPDATE rollout_runs
		 SET steps_completed = steps_completed + (SELECT COUNT(*) FROM ins)
		 WHERE id = $1`,
		runID, rec.Step, rec.Stage, rec.ValidTime, rec.Location, rec.SizeBytes, rec.Digest)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("failed to record step %d", rec.Step), err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, "rollout run not found", nil)
	}
	return nil
}

// Finish stores the terminal status of a run.
func (r *RunRepository) Finish(ctx context.Context, run *types.RolloutRun) error {
	finishedAt := time.Now().UTC()
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}
	var failedStage *string
	if run.FailedStage != "" {
		failedStage = &run.FailedStage
	}
	var errText *string
	if run.Error != "" {
		errText = &run.Error
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE rollout_runs
		 SET status = $2, failed_step = $3, failed_stage = $4, error = $5, finished_at = $6
		 WHERE id = $1`,
		run.ID, run.Status, run.FailedStep, failedStage, errText, finishedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish rollout run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRun, "rollout run not found", nil)
	}
	return nil
}

// GetByID loads a run.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*types.RolloutRun, error) {
	var (
		run         types.RolloutRun
		failedStage *string
		errText     *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, input1, input2, destination, init_time, status, steps_completed,
		        failed_step, failed_stage, error, started_at, finished_at
		 FROM rollout_runs
		 WHERE id = $1`, id).
		Scan(&run.ID, &run.Input1, &run.Input2, &run.Destination, &run.InitTime, &run.Status,
			&run.StepsCompleted, &run.FailedStep, &failedStage, &errText, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundRun, "rollout run not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load rollout run", err)
	}
	if failedStage != nil {
		run.FailedStage = *failedStage
	}
	if errText != nil {
		run.Error = *errText
	}
	return &run, nil
}

// ListSteps returns the persisted steps of a run in step order.
func (r *RunRepository) ListSteps(ctx context.Context, runID string) ([]types.StepRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT step, stage, valid_time, location, size_bytes, digest
		 FROM rollout_steps
		 WHERE run_id = $1
		 ORDER BY step`, runID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list rollout steps", err)
	}
	defer rows.Close()

	var out []types.StepRecord
	for rows.Next() {
		var rec types.StepRecord
		if err := rows.Scan(&rec.Step, &rec.Stage, &rec.ValidTime, &rec.Location, &rec.SizeBytes, &rec.Digest); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rollout step", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating rollout steps", err)
	}
	return out, nil
}

// NopLedger satisfies the ledger contract without storing anything. It is
// used when no database is configured.
type NopLedger struct{}

func (NopLedger) Create(context.Context, *types.RolloutRun) error            { return nil }
func (NopLedger) RecordStep(context.Context, string, types.StepRecord) error { return nil }
func (NopLedger) Finish(context.Context, *types.RolloutRun) error            { return nil }
