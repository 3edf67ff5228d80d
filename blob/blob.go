// Package blob stores uploaded audio and hands out the URL each object is
// served from.
//
// Keys are forward-slash separated and relative to the store root.
package blob

import (
	"context"
	"io"
)

// Store is the object storage used for uploaded clips. Implementations must
// be safe for concurrent use.
type Store interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Read opens key for reading. A missing key yields an error wrapping
	// os.ErrNotExist.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// URL is the public location of key.
	URL(key string) string
}
