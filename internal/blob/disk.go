package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DiskBackend stores blob bytes as sharded files under a root
// directory: {root}/{shard}/{cid}. It is one of the two variants behind
// the Backend boundary named in §4.1 and §9's polymorphism note; the
// other is an object-store backend (see s3.go).
type DiskBackend struct {
	root string
}

// NewDiskBackend creates a DiskBackend rooted at dir.
func NewDiskBackend(dir string) *DiskBackend {
	return &DiskBackend{root: dir}
}

func (b *DiskBackend) pathFor(key string) string {
	return filepath.Join(b.root, Shard(key), key)
}

// Put writes data under key, creating the shard directory if needed. It
// leaves no partial artifact on failure: data is written to a temp file
// in the shard directory and renamed into place atomically.
func (b *DiskBackend) Put(ctx context.Context, key string, data []byte) error {
	dst := b.pathFor(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blob: disk mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("blob: disk tempfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blob: disk write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: disk close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blob: disk rename %s: %w", key, err)
	}
	return nil
}

// Get returns the bytes stored under key.
func (b *DiskBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: disk read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key has been written.
func (b *DiskBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: disk stat %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key's file. Deleting a missing key is not an error.
func (b *DiskBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: disk delete %s: %w", key, err)
	}
	return nil
}
