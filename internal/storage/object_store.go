package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Name string
	Size int64
}

// ObjectStore holds run artifacts (checkpoints, configs, scalers) and
// training datasets, keyed by bucket and slash separated key.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

// RunPrefix is where a training run's artifact directory is stored.
func RunPrefix(runId string) string {
	return "runs/" + runId
}

// DatasetPrefix is where datasets submitted with a training run are stored.
func DatasetPrefix(runId string) string {
	return "datasets/" + runId
}
