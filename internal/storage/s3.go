package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cascade/internal/types"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store reads and writes s3:// locations.
type S3Store struct {
	client S3API
	logger *slog.Logger
}

// NewS3Store creates an S3Store.
func NewS3Store(client S3API, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{client: client, logger: logger}
}

func parseS3(uri string) (URI, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return URI{}, err
	}
	if u.Scheme != SchemeS3 {
		return URI{}, types.NewAppError(types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("%q is not an s3 location", uri), nil)
	}
	return u, nil
}

func (s *S3Store) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	u, err := parseS3(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
	})
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeStorageRead,
			"failed to read object", err, map[string]any{"uri": uri})
	}
	return out.Body, nil
}

func (s *S3Store) Upload(ctx context.Context, localPath, uri string) error {
	u, err := parseS3(uri)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to open file for upload", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalScratch, "failed to stat file for upload", err)
	}

	s.logger.DebugContext(ctx, "uploading object", "uri", uri, "size_bytes", info.Size())

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.Bucket),
		Key:           aws.String(u.Key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeStorageWrite,
			"failed to write object", err, map[string]any{"uri": uri})
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, uri, localPath string) error {
	body, err := s.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := writeLocal(body, localPath); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "downloaded object", "uri", uri, "path", localPath)
	return nil
}

var _ Store = (*S3Store)(nil)
