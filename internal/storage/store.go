// Package storage moves rollout inputs, models and step artifacts between
// durable object storage and the local filesystem.
package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"cascade/internal/types"
)

// Store is durable storage addressed by location strings.
type Store interface {
	// Open streams the object at uri. The caller closes the reader.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	// Upload writes the local file to uri. Not retried.
	Upload(ctx context.Context, localPath, uri string) error
	// Download copies the object at uri to localPath, creating parent
	// directories as needed.
	Download(ctx context.Context, uri, localPath string) error
}

// writeLocal copies r into localPath through a temporary sibling so a
// failed download never leaves a truncated file behind.
func writeLocal(r io.Reader, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to create local directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to create local file", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.NewAppError(types.ErrCodeStorageRead, "failed to copy object to local file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to close local file", err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to move local file into place", err)
	}
	return nil
}
