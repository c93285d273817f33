package runtime

import (
	"context"
	"log/slog"
	"sync"
)

// EchoRuntime is a stand-in for the inference sidecar used by the local
// runner's --echo mode. Every loaded session returns a copy of its "input"
// tensor under the configured output name, so the predicted window is the
// input window itself.
type EchoRuntime struct {
	OutputName string
	Logger     *slog.Logger

	mu    sync.Mutex
	loads []string
}

// Load records the path and returns an echo session.
func (r *EchoRuntime) Load(ctx context.Context, modelPath string, _ SessionOptions) (Session, error) {
	r.mu.Lock()
	r.loads = append(r.loads, modelPath)
	r.mu.Unlock()
	if r.Logger != nil {
		r.Logger.InfoContext(ctx, "echo runtime: model loaded", "model_path", modelPath)
	}
	return &echoSession{output: r.OutputName}, nil
}

// Loads returns the model paths loaded so far, in order.
func (r *EchoRuntime) Loads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loads...)
}

type echoSession struct {
	output string
}

func (s *echoSession) Run(_ context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	in := inputs["input"]
	shape := append([]int64(nil), in.Shape...)
	data := make([]float32, len(in.Data))
	copy(data, in.Data)
	return map[string]Tensor{s.output: {Shape: shape, Data: data}}, nil
}

func (s *echoSession) Close(context.Context) error { return nil }
