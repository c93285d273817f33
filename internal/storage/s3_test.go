package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cascade/internal/types"
)

type mockS3 struct {
	mock.Mock
	uploaded map[string]string
}

func (m *mockS3) GetObject(ctx context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Bucket), aws.ToString(params.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(args.String(0)))}, args.Error(1)
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, aws.ToString(params.Bucket), aws.ToString(params.Key))
	if err := args.Error(0); err != nil {
		return nil, err
	}
	b, _ := io.ReadAll(params.Body)
	if m.uploaded == nil {
		m.uploaded = map[string]string{}
	}
	m.uploaded[aws.ToString(params.Key)] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Upload(t *testing.T) {
	m := &mockS3{}
	m.On("PutObject", mock.Anything, "forecasts", "run/result/x_001.grid.zst").Return(nil)

	local := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(local, []byte("grid"), 0o644))

	store := NewS3Store(m, nil)
	require.NoError(t, store.Upload(context.Background(), local, "s3://forecasts/run/result/x_001.grid.zst"))
	assert.Equal(t, "grid", m.uploaded["run/result/x_001.grid.zst"])
	m.AssertExpectations(t)
}

func TestS3Store_UploadFailure(t *testing.T) {
	m := &mockS3{}
	m.On("PutObject", mock.Anything, "forecasts", "k").Return(errors.New("access denied"))

	local := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(local, []byte("grid"), 0o644))

	err := NewS3Store(m, nil).Upload(context.Background(), local, "s3://forecasts/k")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeStorageWrite, types.CodeOf(err))
}

func TestS3Store_Download(t *testing.T) {
	m := &mockS3{}
	m.On("GetObject", mock.Anything, "datalab", "in.nc").Return("contents", nil)

	local := filepath.Join(t.TempDir(), "scratch", "in.nc")
	require.NoError(t, NewS3Store(m, nil).Download(context.Background(), "s3://datalab/in.nc", local))

	b, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(b))
}

func TestS3Store_OpenFailure(t *testing.T) {
	m := &mockS3{}
	m.On("GetObject", mock.Anything, "datalab", "missing").Return(nil, errors.New("NoSuchKey"))

	_, err := NewS3Store(m, nil).Open(context.Background(), "s3://datalab/missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeStorageRead, types.CodeOf(err))
}

func TestS3Store_RejectsLocalPath(t *testing.T) {
	_, err := NewS3Store(&mockS3{}, nil).Open(context.Background(), "/tmp/in.nc")
	assert.Equal(t, types.ErrCodeValidationInvalidRequest, types.CodeOf(err))
}

func TestRouter(t *testing.T) {
	m := &mockS3{}
	m.On("GetObject", mock.Anything, "b", "k").Return("from-s3", nil)

	dir := t.TempDir()
	local := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(local, []byte("from-file"), 0o644))

	r := NewRouter(NewS3Store(m, nil), FileStore{})
	ctx := context.Background()

	rc, err := r.Open(ctx, "s3://b/k")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "from-s3", string(b))

	rc, err = r.Open(ctx, local)
	require.NoError(t, err)
	b, _ = io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "from-file", string(b))

	fileOnly := NewRouter(nil, FileStore{})
	_, err = fileOnly.Open(ctx, "s3://b/k")
	assert.Equal(t, types.ErrCodeValidationInvalidRequest, types.CodeOf(err))
}
