// Package artifacts stores handler outputs outside the engine. Payloads live
// in a content-addressed blob backend (filesystem, S3, GCS or memory); the
// Store facade wraps them with tenant-scoped references so the engine only
// carries storage paths, never large binaries.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// BlobStore is the content-addressed storage contract. Put is idempotent:
// the same bytes always yield the same hash.
type BlobStore interface {
	// Put persists data and returns its content hash (sha256:...).
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks presence by content hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob by content hash.
	Delete(ctx context.Context, hash string) error
}

func hashBlob(data []byte) (raw, prefixed string) {
	h := sha256.Sum256(data)
	raw = hex.EncodeToString(h[:])
	return raw, "sha256:" + raw
}

func parseHash(hash string) (string, error) {
	if len(hash) < 7 || hash[:7] != "sha256:" {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	raw := hash[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileBlobStore is a filesystem-backed BlobStore.
type FileBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobStore creates a blob store at the specified directory.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

func (s *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, prefixed := hashBlob(data)
	path := filepath.Join(s.baseDir, raw+".blob")

	// Idempotent: same content already committed.
	if _, err := os.Stat(path); err == nil {
		return prefixed, nil
	}

	// Write to temp, then rename.
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return prefixed, nil
}

func (s *FileBlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.baseDir, raw+".blob")

	f, err := os.Open(path) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact blob not found: %s", hash)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(f)
}

func (s *FileBlobStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}

func (s *FileBlobStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.baseDir, raw+".blob")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact blob: %w", err)
	}
	return nil
}

// MemoryBlobStore is an in-memory BlobStore for tests and single-process use.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	_, prefixed := hashBlob(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[prefixed]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[prefixed] = cp
	}
	return prefixed, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("artifact blob not found: %s", hash)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryBlobStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}
