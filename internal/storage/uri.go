package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"cascade/internal/grid"
	"cascade/internal/types"
)

// Supported URI schemes. A location without a scheme is a local path.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// URI is a parsed storage location.
type URI struct {
	Scheme string
	// Bucket is empty for file locations.
	Bucket string
	// Key is the object key for s3 and the filesystem path for file.
	Key string
}

// ParseURI accepts s3://bucket/key, file:///path and plain paths.
func ParseURI(raw string) (URI, error) {
	if strings.TrimSpace(raw) == "" {
		return URI{}, types.NewAppError(types.ErrCodeValidationInvalidRequest, "storage location is empty", nil)
	}
	if !strings.Contains(raw, "://") {
		return URI{Scheme: SchemeFile, Key: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, types.NewAppError(types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("invalid storage location %q", raw), err)
	}
	switch u.Scheme {
	case SchemeS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return URI{}, types.NewAppError(types.ErrCodeValidationInvalidRequest,
				fmt.Sprintf("s3 location %q needs a bucket and a key", raw), nil)
		}
		return URI{Scheme: SchemeS3, Bucket: u.Host, Key: key}, nil
	case SchemeFile:
		return URI{Scheme: SchemeFile, Key: u.Path}, nil
	default:
		return URI{}, types.NewAppError(types.ErrCodeValidationInvalidRequest,
			fmt.Sprintf("unsupported storage scheme %q", u.Scheme), nil)
	}
}

// String renders the URI back to its textual form.
func (u URI) String() string {
	if u.Scheme == SchemeS3 {
		return "s3://" + u.Bucket + "/" + u.Key
	}
	return u.Key
}

// Base returns the last path element.
func (u URI) Base() string {
	return path.Base(u.Key)
}

// Join appends name to a location, keeping its scheme.
func Join(location, name string) string {
	return strings.TrimSuffix(location, "/") + "/" + strings.TrimPrefix(name, "/")
}

// TrimExt removes the extension from a location, so
// s3://b/20231012-06_input.grid.zst becomes s3://b/20231012-06_input.
// The grid artifact suffix is stripped as a whole; any other location
// loses only its final extension.
func TrimExt(location string) string {
	return strings.TrimSuffix(location, ext(location))
}

// Stem is the last path element of a location without its extension.
func Stem(location string) string {
	base := path.Base(location)
	return strings.TrimSuffix(base, ext(base))
}

func ext(location string) string {
	base := path.Base(location)
	if strings.HasSuffix(base, grid.Extension) && base != grid.Extension {
		return grid.Extension
	}
	return path.Ext(base)
}
