// Package storage implements the artifact storage backends (§4.F): a
// local filesystem backend used by default, and an optional S3/MinIO
// backend for deployments that keep finished artifacts off the
// orchestrator's own disk. Both satisfy the same Backend interface that
// internal/gateway's range-streaming handler depends on.
package storage

import (
	"context"
	"io"
)

// Backend is the storage contract shared by the local and MinIO
// implementations, matching pkg/fileserver's Storage interface shape so
// the gateway's Range handler works unmodified against either.
type Backend interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stream(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
}
