package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists blobs as individual files in a single flat directory,
// one file per blob, named by the blob's hash. The directory's entry count
// is an externally observable invariant: temp files used during writes are
// renamed into place or removed before Put returns.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore opens (creating if necessary) a blob store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob: empty store directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("blob: create store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the blob directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash)
}

// Put writes a blob by content hash. The ciphertext is hashed and rejected
// with ErrHashMismatch if it does not match the claimed hash. Writing a blob
// that is already resident is a no-op. Visibility is atomic: the data is
// written to a temp file and renamed into place.
func (s *Store) Put(hash string, ciphertext []byte) error {
	if !IsValidHash(hash) {
		return ErrInvalidHash
	}
	if len(ciphertext) == 0 {
		return ErrEmptyBlob
	}
	if len(ciphertext) > MaxBlobSize {
		return ErrBlobTooLarge
	}
	if Hash(ciphertext) != hash {
		return ErrHashMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return nil // already resident
	}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return fmt.Errorf("blob: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(ciphertext); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("blob: rename blob file: %w", err)
	}
	return nil
}

// Get returns the resident blob for hash, or ErrNotFound on a miss.
// A miss is ordinary control flow; callers decide whether to trigger a fetch.
func (s *Store) Get(hash string) (*Blob, error) {
	if !IsValidHash(hash) {
		return nil, ErrInvalidHash
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: read blob file: %w", err)
	}
	return &Blob{Hash: hash, Ciphertext: data}, nil
}

// Has reports whether a blob is resident.
func (s *Store) Has(hash string) (bool, error) {
	if !IsValidHash(hash) {
		return false, ErrInvalidHash
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("blob: stat blob file: %w", err)
	}
	return true, nil
}

// Delete removes the blob file. Deleting an absent blob is not an error.
func (s *Store) Delete(hash string) error {
	if !IsValidHash(hash) {
		return ErrInvalidHash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove blob file: %w", err)
	}
	return nil
}

// OpenStream opens a raw reader over a resident blob's ciphertext, so large
// blobs can be exported without loading them into memory. The caller closes.
func (s *Store) OpenStream(hash string) (io.ReadCloser, error) {
	if !IsValidHash(hash) {
		return nil, ErrInvalidHash
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open blob file: %w", err)
	}
	return f, nil
}

// List returns the hashes of all resident blobs. Entries that are not
// well-formed blob filenames (e.g. in-flight temp files) are skipped.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("blob: read store directory: %w", err)
	}

	var hashes []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !IsValidHash(name) {
			continue
		}
		hashes = append(hashes, name)
	}
	return hashes, nil
}

// Count returns the number of resident blobs.
func (s *Store) Count() (int, error) {
	hashes, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(hashes), nil
}
