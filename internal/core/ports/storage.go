package ports

import (
	"context"
	"io"
)

// ProgressFunc is called as upload bytes are consumed. total is -1 when unknown.
type ProgressFunc func(sent, total int64)

// UploadOptions tunes a single upload.
type UploadOptions struct {
	ContentType string
	Progress    ProgressFunc
}

// ObjectRef is the public reference to an uploaded object.
type ObjectRef struct {
	Path string
	URL  string
	Size int64
}

// ObjectStore is the backend's object storage interface. Uploads stop with
// ctx.Err() when ctx is cancelled.
type ObjectStore interface {
	Upload(ctx context.Context, path string, body io.Reader, size int64, opts UploadOptions) (ObjectRef, error)
}
