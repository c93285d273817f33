package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"cascade/internal/types"
)

const msgpackContentType = "application/x-msgpack"

// HTTPRuntimeConfig holds the configuration for creating an HTTPRuntime.
type HTTPRuntimeConfig struct {
	BaseURL string
	APIKey  types.SecretString
	Logger  *slog.Logger
}

// HTTPRuntime implements Runtime against the inference sidecar's REST API:
//
//	POST   /v1/sessions            load a model, returns a session id
//	POST   /v1/sessions/{id}/run   run with msgpack-encoded named tensors
//	DELETE /v1/sessions/{id}       release the session
type HTTPRuntime struct {
	base    *BaseClient
	baseURL string
	apiKey  types.SecretString
	logger  *slog.Logger
}

type loadRequest struct {
	ModelPath string         `json:"model_path"`
	Options   SessionOptions `json:"options"`
}

type loadResponse struct {
	SessionID string `json:"session_id"`
}

type runRequest struct {
	Inputs map[string]Tensor `msgpack:"inputs"`
}

type runResponse struct {
	Outputs map[string]Tensor `msgpack:"outputs"`
}

// NewHTTPRuntime creates an HTTPRuntime. The base client should carry a
// zero-retry policy; the http.Client timeout bounds each call.
func NewHTTPRuntime(base *BaseClient, cfg HTTPRuntimeConfig) *HTTPRuntime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRuntime{
		base:    base,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// Load asks the sidecar to create a session for modelPath.
func (r *HTTPRuntime) Load(ctx context.Context, modelPath string, opts SessionOptions) (Session, error) {
	body, err := json.Marshal(loadRequest{ModelPath: modelPath, Options: opts})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to serialize load request", err)
	}

	req, err := r.newRequest(ctx, http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	r.logger.InfoContext(ctx, "loading model on inference runtime",
		"model_path", modelPath,
		"intra_op_threads", opts.IntraOpNumThreads,
	)

	resp, err := r.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeModelLoad, "model load request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, types.NewAppError(types.ErrCodeModelLoad,
			fmt.Sprintf("inference runtime rejected model %s", modelPath),
			r.readError(resp, "Load"))
	}

	var lr loadResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, types.NewAppError(types.ErrCodeModelLoad, "failed to decode load response", err)
	}
	if lr.SessionID == "" {
		return nil, types.NewAppError(types.ErrCodeModelLoad, "inference runtime returned empty session id", nil)
	}

	return &httpSession{runtime: r, id: lr.SessionID, modelPath: modelPath}, nil
}

func (r *HTTPRuntime) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build runtime request", err)
	}
	if r.apiKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+r.apiKey.Unmask())
	}
	return req, nil
}

// readError drains a bounded part of an error body into an error value.
func (r *HTTPRuntime) readError(resp *http.Response, operation string) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	r.logger.Error("inference runtime error",
		"operation", operation,
		"status_code", resp.StatusCode,
		"response_body", string(b),
	)
	return fmt.Errorf("runtime %s returned %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(b)))
}

// Ping checks that the sidecar is reachable via GET /v1/health.
func (r *HTTPRuntime) Ping(ctx context.Context) error {
	req, err := r.newRequest(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.base.Do(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamRuntime, "inference runtime unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.NewAppError(types.ErrCodeUpstreamRuntime, "inference runtime unhealthy", r.readError(resp, "Ping"))
	}
	return nil
}

type httpSession struct {
	runtime   *HTTPRuntime
	id        string
	modelPath string
}

func (s *httpSession) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

// Run posts the inputs and decodes the returned outputs.
func (s *httpSession) Run(ctx context.Context, inputs map[string]Tensor) (map[string]Tensor, error) {
	for name, t := range inputs {
		if err := t.Validate(); err != nil {
			return nil, types.NewAppError(types.ErrCodeModelExecution,
				fmt.Sprintf("input tensor %q is malformed", name), err)
		}
	}

	body, err := msgpack.Marshal(runRequest{Inputs: inputs})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCodec, "failed to encode run request", err)
	}

	req, err := s.runtime.newRequest(ctx, http.MethodPost, s.path("/run"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", msgpackContentType)
	req.Header.Set("Accept", msgpackContentType)

	resp, err := s.runtime.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeModelExecution, "model run request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, types.NewAppError(types.ErrCodeModelExecution,
			fmt.Sprintf("inference runtime failed running %s", s.modelPath),
			s.runtime.readError(resp, "Run"))
	}

	var rr runResponse
	if err := msgpack.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, types.NewAppError(types.ErrCodeModelOutputInvalid, "failed to decode run response", err)
	}
	return rr.Outputs, nil
}

// Close releases the session on the sidecar.
func (s *httpSession) Close(ctx context.Context) error {
	req, err := s.runtime.newRequest(ctx, http.MethodDelete, s.path(""), nil)
	if err != nil {
		return err
	}
	resp, err := s.runtime.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return s.runtime.readError(resp, "Close")
	}
	return nil
}

var _ Runtime = (*HTTPRuntime)(nil)
