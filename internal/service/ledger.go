package service

import (
	"context"
	"log/slog"

	"cascade/internal/sink"
	"cascade/internal/types"
)

// Ledger records rollout runs. db.RunRepository and db.NopLedger satisfy it.
type Ledger interface {
	Create(ctx context.Context, run *types.RolloutRun) error
	RecordStep(ctx context.Context, runID string, rec types.StepRecord) error
	Finish(ctx context.Context, run *types.RolloutRun) error
}

// RecordingSink appends every persisted step to the ledger under the run
// id carried by the context. The artifact is already durable when the
// ledger is written, so ledger errors are logged and not returned.
type RecordingSink struct {
	inner  sink.Sink
	ledger Ledger
	logger *slog.Logger
}

// NewRecordingSink wraps inner.
func NewRecordingSink(inner sink.Sink, ledger Ledger, logger *slog.Logger) *RecordingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingSink{inner: inner, ledger: ledger, logger: logger}
}

func (s *RecordingSink) Persist(ctx context.Context, out sink.StepOutput) (types.StepRecord, error) {
	rec, err := s.inner.Persist(ctx, out)
	if err != nil {
		return rec, err
	}
	runID := types.GetRunID(ctx)
	if runID == "" {
		return rec, nil
	}
	if err := s.ledger.RecordStep(ctx, runID, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to record step in ledger",
			"run_id", runID,
			"step", rec.Step,
			"destination", rec.Location,
			"error", err,
		)
	}
	return rec, nil
}

var _ sink.Sink = (*RecordingSink)(nil)
