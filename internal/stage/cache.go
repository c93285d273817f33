// Package stage memoizes loaded stage models for the duration of one
// rollout. Each rollout builds its own Cache; handles are never shared
// across rollouts.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"cascade/internal/runtime"
	"cascade/internal/types"
)

// Config holds the dependencies of a Cache.
type Config struct {
	Runtime runtime.Runtime
	// Fetcher resolves remote (s3://) model paths. It outlives the cache
	// and may be nil when every model path is local.
	Fetcher *Fetcher
	Options runtime.SessionOptions
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Cache maps stage name to its loaded model.
type Cache struct {
	rt      runtime.Runtime
	fetcher *Fetcher
	opts    runtime.SessionOptions
	clock   clockwork.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[string]runtime.Session
	loads   int
}

// NewCache creates an empty Cache.
func NewCache(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		rt:      cfg.Runtime,
		fetcher: cfg.Fetcher,
		opts:    cfg.Options,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		handles: make(map[string]runtime.Session),
	}
}

// Acquire returns the loaded model for st, loading it on first use. Load
// failures are returned as model_load_failed and are not retried.
func (c *Cache) Acquire(ctx context.Context, st types.Stage) (runtime.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[st.Name]; ok {
		return h, nil
	}

	path, err := c.fetcher.LocalPath(ctx, st.ModelPath)
	if err != nil {
		return nil, err
	}

	start := c.clock.Now()
	c.loads++
	h, err := c.rt.Load(ctx, path, c.opts)
	if err != nil {
		if types.CodeOf(err) != types.ErrCodeModelLoad {
			err = types.NewAppError(types.ErrCodeModelLoad, fmt.Sprintf("failed to load model for stage %s", st.Name), err)
		}
		return nil, err
	}
	c.handles[st.Name] = h

	c.logger.InfoContext(ctx, "stage model loaded",
		"stage", st.Name,
		"model_path", path,
		"load_ms", c.clock.Since(start).Milliseconds(),
	)
	return h, nil
}

// Release closes and forgets the handle for a stage. Releasing an unknown
// stage is a no-op.
func (c *Cache) Release(ctx context.Context, name string) error {
	c.mu.Lock()
	h, ok := c.handles[name]
	delete(c.handles, name)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := h.Close(ctx); err != nil {
		c.logger.WarnContext(ctx, "failed to release stage model", "stage", name, "error", err)
		return err
	}
	return nil
}

// Close releases every handle still held.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	names := make([]string, 0, len(c.handles))
	for name := range c.handles {
		names = append(names, name)
	}
	c.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := c.Release(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Loads reports how many times the runtime was asked to load a model.
func (c *Cache) Loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// Held reports whether a stage currently has a loaded handle.
func (c *Cache) Held(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handles[name]
	return ok
}
