// Package sink persists each forecast step to durable storage through a
// local scratch file, and reclaims the scratch file whatever the outcome.
package sink

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"

	"cascade/internal/grid"
	"cascade/internal/observability"
	"cascade/internal/storage"
	"cascade/internal/types"
)

// StepOutput is one retained forecast slice handed over by the controller.
type StepOutput struct {
	Step      int
	Stage     string
	ValidTime time.Time
	State     *grid.Grid
	// Destination is the durable location prefix, e.g. s3://bucket/run/result.
	Destination string
	// SourceName is the input locator; its stem prefixes artifact names.
	SourceName string
}

// Sink persists step outputs.
type Sink interface {
	Persist(ctx context.Context, out StepOutput) (types.StepRecord, error)
}

// Config holds the dependencies of a StoreSink.
type Config struct {
	Store      storage.Store
	ScratchDir string
	Metrics    observability.Metrics
	Logger     *slog.Logger
}

// StoreSink writes each step to a scratch file and uploads it.
type StoreSink struct {
	store      storage.Store
	scratchDir string
	metrics    observability.Metrics
	logger     *slog.Logger
}

// New creates a StoreSink. An empty ScratchDir uses os.TempDir().
func New(cfg Config) *StoreSink {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StoreSink{
		store:      cfg.Store,
		scratchDir: cfg.ScratchDir,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// ArtifactName is the object name of a step: <stem>_<NNN>.grid.zst with
// NNN the 1-based step ordinal.
func ArtifactName(sourceName string, step int) string {
	return fmt.Sprintf("%s_%03d%s", storage.Stem(sourceName), step+1, grid.Extension)
}

// Persist encodes the step, uploads it and removes the scratch copy. The
// scratch file is removed on every path; failing to remove it is logged
// and counted but never returned.
func (s *StoreSink) Persist(ctx context.Context, out StepOutput) (types.StepRecord, error) {
	name := ArtifactName(out.SourceName, out.Step)
	location := storage.Join(out.Destination, name)

	f, err := os.CreateTemp(s.scratchDir, "step-*"+grid.Extension)
	if err != nil {
		return types.StepRecord{}, types.NewAppError(types.ErrCodeInternalScratch, "failed to create scratch file", err)
	}
	scratch := f.Name()
	defer s.reclaim(ctx, scratch, out.Step)

	h, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		return types.StepRecord{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create digest", err)
	}
	cw := &countingWriter{w: io.MultiWriter(f, h)}
	if err := grid.Encode(cw, out.State); err != nil {
		f.Close()
		return types.StepRecord{}, err
	}
	if err := f.Close(); err != nil {
		return types.StepRecord{}, types.NewAppError(types.ErrCodeInternalScratch, "failed to flush scratch file", err)
	}

	if err := s.store.Upload(ctx, scratch, location); err != nil {
		if types.CodeOf(err) != types.ErrCodeStorageWrite {
			err = types.NewAppError(types.ErrCodeStorageWrite, fmt.Sprintf("failed to upload step %d", out.Step+1), err)
		}
		return types.StepRecord{}, err
	}

	rec := types.StepRecord{
		Step:      out.Step,
		Stage:     out.Stage,
		ValidTime: out.ValidTime,
		Location:  location,
		SizeBytes: cw.n,
		Digest:    hex.EncodeToString(h.Sum(nil)),
	}
	s.logger.InfoContext(ctx, "step persisted",
		"step", out.Step,
		"stage", out.Stage,
		"destination", location,
		"size_bytes", rec.SizeBytes,
	)
	return rec, nil
}

func (s *StoreSink) reclaim(ctx context.Context, path string, step int) {
	err := os.Remove(path)
	if err == nil {
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.WarnContext(ctx, "scratch file already gone", "path", path, "step", step)
		return
	}
	s.metrics.RecordScratchLeak(ctx)
	s.logger.WarnContext(ctx, "failed to remove scratch file", "path", path, "step", step, "error", err)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
