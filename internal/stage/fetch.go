package stage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"cascade/internal/storage"
	"cascade/internal/types"
)

// Fetcher copies remote model files into a local model directory. It lives
// for the whole process, so a model is downloaded once per container no
// matter how many rollouts use it.
type Fetcher struct {
	store    storage.Store
	modelDir string
	logger   *slog.Logger

	mu      sync.Mutex
	fetched map[string]string
}

// NewFetcher creates a Fetcher writing into modelDir.
func NewFetcher(store storage.Store, modelDir string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:    store,
		modelDir: modelDir,
		logger:   logger,
		fetched:  make(map[string]string),
	}
}

// LocalPath resolves modelPath to a file the runtime can load. Local paths
// are returned as-is; remote ones are downloaded on first use.
func (f *Fetcher) LocalPath(ctx context.Context, modelPath string) (string, error) {
	u, err := storage.ParseURI(modelPath)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeModelLoad, "invalid model path", err)
	}
	if u.Scheme == storage.SchemeFile {
		return u.Key, nil
	}
	if f == nil || f.store == nil {
		return "", types.NewAppError(types.ErrCodeModelLoad,
			fmt.Sprintf("model %s is remote but no store is configured", modelPath), nil)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.fetched[modelPath]; ok {
		return p, nil
	}

	local := filepath.Join(f.modelDir, u.Bucket, filepath.FromSlash(u.Key))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", types.NewAppError(types.ErrCodeModelLoad, "failed to create model directory", err)
	}
	if err := f.store.Download(ctx, modelPath, local); err != nil {
		return "", types.NewAppError(types.ErrCodeModelLoad, fmt.Sprintf("failed to fetch model %s", modelPath), err)
	}
	f.fetched[modelPath] = local
	f.logger.InfoContext(ctx, "model fetched", "model_path", modelPath, "local_path", local)
	return local, nil
}

// Fetched reports how many distinct remote models have been downloaded.
func (f *Fetcher) Fetched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}
