package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is the byte-storage abstraction for uploaded content.
// Open returns a seekable handle so the streaming responder can serve
// arbitrary byte windows without buffering whole files.
type BlobStore interface {
	// Save streams r to durable storage under name and returns the number
	// of bytes written.
	Save(name string, r io.Reader) (int64, error)

	// Open returns a read/seek handle for name, or ErrNotFound.
	Open(name string) (io.ReadSeekCloser, error)

	// Size returns the stored byte length of name, or ErrNotFound.
	Size(name string) (int64, error)

	// Remove deletes name. Removing a missing blob is a no-op.
	Remove(name string) error

	// Path returns the location of name on the underlying medium, for
	// content-type sniffing. Implementations without a filesystem path
	// may return "".
	Path(name string) string
}

// FSBlobStore stores blobs as flat files under a base directory.
type FSBlobStore struct {
	baseDir string
}

var _ BlobStore = (*FSBlobStore)(nil)

// NewFSBlobStore creates baseDir if needed and returns a store rooted there.
func NewFSBlobStore(baseDir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FSBlobStore{baseDir: baseDir}, nil
}

// Save implements BlobStore.Save.
func (s *FSBlobStore) Save(name string, r io.Reader) (int64, error) {
	f, err := os.Create(s.Path(name))
	if err != nil {
		return 0, fmt.Errorf("create blob: %w", err)
	}

	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(s.Path(name))
		return 0, fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(s.Path(name))
		return 0, fmt.Errorf("close blob: %w", err)
	}
	return n, nil
}

// Open implements BlobStore.Open.
func (s *FSBlobStore) Open(name string) (io.ReadSeekCloser, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Size implements BlobStore.Size.
func (s *FSBlobStore) Size(name string) (int64, error) {
	fi, err := os.Stat(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return fi.Size(), nil
}

// Remove implements BlobStore.Remove.
func (s *FSBlobStore) Remove(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// Path implements BlobStore.Path. Storage names are generated server-side,
// but Base guards against traversal anyway.
func (s *FSBlobStore) Path(name string) string {
	return filepath.Join(s.baseDir, filepath.Base(name))
}
