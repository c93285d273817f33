package observability

import (
	"context"
	"time"
)

// Step and rollout outcomes used as the status label/dimension.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics records rollout telemetry. Implementations must not fail the
// caller; emission errors are logged and dropped.
type Metrics interface {
	RecordStageLoad(ctx context.Context, stage string, d time.Duration)
	RecordStep(ctx context.Context, stage, status string, d time.Duration)
	RecordScratchLeak(ctx context.Context)
	RecordRollout(ctx context.Context, status string, d time.Duration)
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RecordStageLoad(context.Context, string, time.Duration)    {}
func (Nop) RecordStep(context.Context, string, string, time.Duration) {}
func (Nop) RecordScratchLeak(context.Context)                         {}
func (Nop) RecordRollout(context.Context, string, time.Duration)      {}

var _ Metrics = Nop{}
