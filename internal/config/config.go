// Package config loads rollout engine configuration from the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cascade/internal/types"
)

// Config is the root configuration shared by every cascade binary.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"cascade-rollout"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Runtime       RuntimeConfig
	Storage       StorageConfig
	Rollout       RolloutConfig
	Database      DatabaseConfig
	Queue         QueueConfig
	Observability ObservabilityConfig

	Build BuildInfo `ignored:"true"`
}

type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// RuntimeConfig addresses the model runtime sidecar. A zero Timeout leaves
// model execution unbounded; the sidecar owns that budget.
type RuntimeConfig struct {
	URL       string             `envconfig:"RUNTIME_URL" default:"http://127.0.0.1:8501" validate:"required,url"`
	APIKey    types.SecretString `envconfig:"RUNTIME_API_KEY"`
	Timeout   time.Duration      `envconfig:"RUNTIME_TIMEOUT" default:"0s" validate:"gte=0"`
	UserAgent string             `envconfig:"RUNTIME_USER_AGENT" default:"Cascade-Rollout/1.0"`
	// Echo swaps the sidecar for the in-process echo runtime. Local use only.
	Echo bool `envconfig:"RUNTIME_ECHO" default:"false"`
}

type StorageConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1" validate:"required"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
	ScratchDir  string `envconfig:"SCRATCH_DIR" default:"/tmp/cascade" validate:"required"`
	ModelDir    string `envconfig:"MODEL_DIR" default:"/tmp/cascade/models" validate:"required"`
}

// RolloutConfig describes the stage cascade. Stage entries without an
// explicit model path resolve to <ModelRoot>/<name>.onnx.
type RolloutConfig struct {
	Stages     StageList     `envconfig:"ROLLOUT_STAGES" default:"short:20,medium:20,long:34" validate:"min=1"`
	ModelRoot  string        `envconfig:"MODEL_ROOT" default:"/opt/ml/model" validate:"required"`
	Frequency  time.Duration `envconfig:"ROLLOUT_FREQUENCY" default:"6h" validate:"gt=0"`
	OutputName string        `envconfig:"ROLLOUT_OUTPUT_NAME" default:"output" validate:"required"`
}

// Schedule returns the ordered stages with model paths resolved.
func (r RolloutConfig) Schedule() []types.Stage {
	root := strings.TrimSuffix(r.ModelRoot, "/")
	out := make([]types.Stage, len(r.Stages))
	for i, s := range r.Stages {
		if s.ModelPath == "" {
			s.ModelPath = root + "/" + s.Name + ".onnx"
		}
		out[i] = s
	}
	return out
}

// DatabaseConfig is optional. An empty URL disables the run ledger.
type DatabaseConfig struct {
	URL      types.SecretString `envconfig:"DATABASE_URL"`
	MaxConns int32              `envconfig:"DB_MAX_CONNS" default:"4" validate:"gte=1"`
}

// Enabled reports whether a ledger database is configured.
func (d DatabaseConfig) Enabled() bool { return d.URL.IsSet() }

type QueueConfig struct {
	URL               string        `envconfig:"ROLLOUT_QUEUE_URL" validate:"omitempty,url"`
	WaitTime          time.Duration `envconfig:"QUEUE_WAIT" default:"20s" validate:"gte=0,lte=20s"`
	VisibilityTimeout time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"2h" validate:"gte=0,lte=12h"`
}

type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Cascade" validate:"required"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)

// StageList is the decoded form of ROLLOUT_STAGES: comma separated
// name:steps[:model_path] entries in execution order.
type StageList []types.Stage

// Decode implements envconfig.Decoder.
func (l *StageList) Decode(value string) error {
	stages, err := ParseStages(value)
	if err != nil {
		return err
	}
	*l = stages
	return nil
}

// ParseStages parses a stage schedule such as
// "short:20,medium:20,long:34:s3://models/long.onnx". The model path keeps
// any colons it contains. Names must be unique and step counts positive.
func ParseStages(value string) (StageList, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("stage list is empty")
	}

	var out StageList
	seen := make(map[string]bool)
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("stage %q: want name:steps[:path]", entry)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("stage %q: empty name", entry)
		}
		if seen[name] {
			return nil, fmt.Errorf("stage %q: duplicate name", name)
		}
		steps, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || steps <= 0 {
			return nil, fmt.Errorf("stage %q: step count must be a positive integer", name)
		}
		st := types.Stage{Name: name, StepCount: steps}
		if len(parts) == 3 {
			st.ModelPath = strings.TrimSpace(parts[2])
		}
		seen[name] = true
		out = append(out, st)
	}
	return out, nil
}
