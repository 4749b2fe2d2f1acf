package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a write-once object store for raw message bytes and attachments.
// Put is idempotent: writing the same key twice returns the same ref without
// touching the stored bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FileStore stores blobs on the local filesystem, sharded by a hash prefix of
// the key to keep directories small.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", dir, err)
	}
	return &FileStore{root: dir}, nil
}

// Put writes data under key and returns a stable ref. An existing blob for
// the key is left untouched and its ref returned.
func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	ref := refForKey(key)
	path := filepath.Join(s.root, ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to stat blob %s: %w", ref, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob shard dir: %w", err)
	}

	// Write to a temp file and rename so a concurrent duplicate Put never
	// observes a half-written blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close temp blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store blob %s: %w", ref, err)
	}

	return ref, nil
}

// Get reads the blob for a ref.
func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}

func refForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(name[:2], name)
}
