// Package server exposes the rollout service over the batch-transform
// container contract: GET /ping, POST /invocations, plus health, metrics
// and run lookup endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cascade/internal/rollout"
	"cascade/internal/types"
)

// Executor runs one rollout to completion.
type Executor interface {
	Execute(ctx context.Context, req types.RolloutRequest) (*types.RolloutResult, error)
}

// RunReader looks up ledger rows for GET /runs/{id}.
type RunReader interface {
	GetByID(ctx context.Context, id string) (*types.RolloutRun, error)
	ListSteps(ctx context.Context, runID string) ([]types.StepRecord, error)
}

type InProgressGauge interface {
	SetInProgress(running bool)
}

type Config struct {
	Executor Executor
	// Optional. Without it /runs is not mounted.
	Runs RunReader
	// Optional. Without it /metrics is not mounted.
	Gatherer   prometheus.Gatherer
	InProgress InProgressGauge
	Probes     []HealthProbe
	// Ready gates /ping; nil means always ready.
	Ready  func() bool
	Logger *slog.Logger
}

// Server admits one invocation at a time; concurrent invocations are
// rejected with 503 rather than queued.
type Server struct {
	cfg    Config
	logger *slog.Logger
	busy   sync.Mutex
	router *chi.Mux
}

func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("server: executor must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger, router: chi.NewRouter()}
	s.mountRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	r := s.router
	r.Use(requestID)
	r.Use(s.recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/ping", s.handlePing)
	r.Get("/health", s.handleHealth)
	r.Post("/invocations", s.handleInvocations)
	if s.cfg.Runs != nil {
		r.Get("/runs/{id}", s.handleGetRun)
	}
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	var req types.RolloutRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		Error(w, r, err)
		return
	}

	if !s.busy.TryLock() {
		Error(w, r, types.NewAppError(types.ErrCodeConflictBusy, "a rollout is already in progress", nil))
		return
	}
	defer s.busy.Unlock()

	if s.cfg.InProgress != nil {
		s.cfg.InProgress.SetInProgress(true)
		defer s.cfg.InProgress.SetInProgress(false)
	}

	res, err := s.cfg.Executor.Execute(r.Context(), req)
	if err != nil {
		var runErr *rollout.RunError
		if errors.As(err, &runErr) && runErr.Stage != "" {
			msg := fmt.Sprintf("rollout failed at step %d (stage %s)", runErr.Step, runErr.Stage)
			err = types.NewAppErrorWithDetails(runErr.Code(), msg, err, map[string]any{
				"step":            runErr.Step,
				"stage":           runErr.Stage,
				"steps_persisted": len(runErr.Records),
			})
		}
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, res)
}

type runResponse struct {
	*types.RolloutRun
	Steps []types.StepRecord `json:"steps"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.cfg.Runs.GetByID(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	steps, err := s.cfg.Runs.ListSteps(r.Context(), id)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, runResponse{RolloutRun: run, Steps: steps})
}
