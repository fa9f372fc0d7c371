package memory

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/practicehub/syncstore/internal/core/domain"
	"github.com/practicehub/syncstore/internal/core/ports"
)

const chunkSize = 32 * 1024

// ObjectStore keeps uploaded objects in memory.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string
}

var _ ports.ObjectStore = (*ObjectStore)(nil)

func NewObjectStore(baseURL string) *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte), baseURL: baseURL}
}

// Upload copies body in chunks, reporting progress after each one and
// stopping with ctx.Err() once ctx is done. Nothing is stored on failure.
func (s *ObjectStore) Upload(ctx context.Context, path string, body io.Reader, size int64, opts ports.UploadOptions) (ports.ObjectRef, error) {
	if path == "" {
		return ports.ObjectRef{}, domain.Validationf("object path is required")
	}
	total := size
	if total <= 0 {
		total = -1
	}
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return ports.ObjectRef{}, err
		}
		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if opts.Progress != nil {
				opts.Progress(int64(buf.Len()), total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return ports.ObjectRef{}, err
		}
	}

	s.mu.Lock()
	s.objects[path] = buf.Bytes()
	s.mu.Unlock()
	return ports.ObjectRef{Path: path, URL: s.baseURL + "/" + path, Size: int64(buf.Len())}, nil
}

// Object returns a stored object's bytes.
func (s *ObjectStore) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	return b, ok
}
