package types

// Telemetry metric names. All metric backends MUST use these constants.
const (
	MetricStageLoadLatency = "StageLoadLatency"
	MetricStepLatency      = "StepLatency"
	MetricStepPersisted    = "StepPersisted"
	MetricScratchLeak      = "ScratchReclaimFailure"
	MetricRolloutFinished  = "RolloutFinished"

	DimStage  = "Stage"
	DimStatus = "Status"

	// MetricNamespace is the default CloudWatch namespace.
	MetricNamespace = "Cascade"
)

// Canonical tensor names of the stage model contract.
const (
	TensorInput  = "input"
	TensorTemb   = "temb"
	TensorOutput = "output"
)
