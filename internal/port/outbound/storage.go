package outbound

import (
	"context"
	"io"
)

// StoragePort defines object storage reads.
type StoragePort interface {
	// Get retrieves an object from storage.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether an object exists.
	Exists(ctx context.Context, key string) (bool, error)
}
