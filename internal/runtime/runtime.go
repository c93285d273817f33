// Package runtime is the boundary to the model execution capability. The
// rollout engine only needs two operations: load a model from a path and
// run it with named tensors. Everything behind that (ONNX sessions, GPU
// providers) lives in the inference sidecar.
package runtime

import (
	"context"
	"fmt"

	"cascade/internal/types"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int64   `msgpack:"shape" json:"shape"`
	Data  []float32 `msgpack:"data" json:"-"`
}

// NumElements returns the product of the shape dimensions.
func (t Tensor) NumElements() int64 {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that Data holds exactly the number of elements the shape
// describes and that no dimension is negative.
func (t Tensor) Validate() error {
	for i, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("dimension %d is negative (%d)", i, d)
		}
	}
	if n := t.NumElements(); int64(len(t.Data)) != n {
		return fmt.Errorf("shape %v needs %d elements, have %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// SessionOptions are the knobs passed to the runtime when a model is loaded.
type SessionOptions struct {
	IntraOpNumThreads   int    `json:"intra_op_num_threads"`
	EnableMemPattern    bool   `json:"enable_mem_pattern"`
	EnableMemReuse      bool   `json:"enable_mem_reuse"`
	EnableCPUMemArena   bool   `json:"enable_cpu_mem_arena"`
	ArenaExtendStrategy string `json:"arena_extend_strategy,omitempty"`
	ExecutionProvider   string `json:"execution_provider,omitempty"`
}

// BoundedMemoryOptions returns the fixed options every stage model is loaded
// with: one intra-op thread and no memory arena, pattern or buffer reuse.
// Throughput is traded for a predictable footprint on shared GPU hosts.
func BoundedMemoryOptions() SessionOptions {
	return SessionOptions{
		IntraOpNumThreads:   1,
		EnableMemPattern:    false,
		EnableMemReuse:      false,
		EnableCPUMemArena:   false,
		ArenaExtendStrategy: "kSameAsRequested",
		ExecutionProvider:   "CUDAExecutionProvider",
	}
}

// Runtime loads models.
type Runtime interface {
	Load(ctx context.Context, modelPath string, opts SessionOptions) (Session, error)
}

// Session is a loaded model.
type Session interface {
	Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error)
	Close(ctx context.Context) error
}

// Output picks a named output from a Run result, failing with
// model_output_invalid when it is missing or malformed.
func Output(outputs map[string]Tensor, name string) (Tensor, error) {
	t, ok := outputs[name]
	if !ok {
		names := make([]string, 0, len(outputs))
		for k := range outputs {
			names = append(names, k)
		}
		return Tensor{}, types.NewAppErrorWithDetails(types.ErrCodeModelOutputInvalid,
			fmt.Sprintf("model output %q not found", name), nil,
			map[string]any{"available": names})
	}
	if err := t.Validate(); err != nil {
		return Tensor{}, types.NewAppError(types.ErrCodeModelOutputInvalid,
			fmt.Sprintf("model output %q is malformed", name), err)
	}
	return t, nil
}
