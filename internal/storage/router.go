package storage

import (
	"context"
	"fmt"
	"io"

	"cascade/internal/types"
)

// Router dispatches each call to the store registered for the location's
// scheme.
type Router struct {
	stores map[string]Store
}

// NewRouter creates a Router. A nil s3 store leaves s3:// locations
// unsupported.
func NewRouter(s3 Store, file Store) *Router {
	r := &Router{stores: map[string]Store{}}
	if s3 != nil {
		r.stores[SchemeS3] = s3
	}
	if file != nil {
		r.stores[SchemeFile] = file
	}
	return r
}

func (r *Router) route(uri string) (Store, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	s, ok := r.stores[u.Scheme]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("no store configured for %s locations", u.Scheme), nil)
	}
	return s, nil
}

func (r *Router) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	s, err := r.route(uri)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, uri)
}

func (r *Router) Upload(ctx context.Context, localPath, uri string) error {
	s, err := r.route(uri)
	if err != nil {
		return err
	}
	return s.Upload(ctx, localPath, uri)
}

func (r *Router) Download(ctx context.Context, uri, localPath string) error {
	s, err := r.route(uri)
	if err != nil {
		return err
	}
	return s.Download(ctx, uri, localPath)
}

var _ Store = (*Router)(nil)
