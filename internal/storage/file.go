package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"cascade/internal/types"
)

// FileStore serves file:// and plain-path locations from the local
// filesystem. It backs local runs and tests.
type FileStore struct{}

func filePath(uri string) (string, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != SchemeFile {
		return "", types.NewAppError(types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("%q is not a local location", uri), nil)
	}
	return u.Key, nil
}

func (FileStore) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	p, err := filePath(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		details := map[string]any{"uri": uri, "missing": errors.Is(err, fs.ErrNotExist)}
		return nil, types.NewAppErrorWithDetails(types.ErrCodeStorageRead, "failed to open file", err, details)
	}
	return f, nil
}

func (FileStore) Upload(_ context.Context, localPath, uri string) error {
	p, err := filePath(uri)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to open file for upload", err)
	}
	defer src.Close()

	if err := writeLocal(src, p); err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeStorageWrite,
			"failed to write file", err, map[string]any{"uri": uri})
	}
	return nil
}

func (s FileStore) Download(ctx context.Context, uri, localPath string) error {
	src, err := s.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer src.Close()
	return writeLocal(src, localPath)
}

var _ Store = FileStore{}
