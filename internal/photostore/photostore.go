package photostore

import (
	"context"
	"io"
)

// PhotoStore persists uploaded problem photos outside the database.
type PhotoStore interface {
	Save(ctx context.Context, prefix, mimeType string, r io.Reader) (string, error)
	Get(ctx context.Context, storageKey string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, storageKey string) error
}
