package blob

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Source fetches blob ciphertext by hash from the surrounding system
// (peer network, CDN, reflector). Implementations may block on network I/O;
// they must honor ctx cancellation.
type Source interface {
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// MockSource is a test double for Source. FetchFn must be set before Fetch
// is called.
type MockSource struct {
	FetchFn func(ctx context.Context, hash string) ([]byte, error)
}

func (m *MockSource) Fetch(ctx context.Context, hash string) ([]byte, error) {
	return m.FetchFn(ctx, hash)
}

// Fetcher resolves blobs resident-first: a local Store hit is returned
// directly, a miss goes to the Source. Concurrent fetches of the same hash
// are collapsed into a single in-flight request; fetches of unrelated hashes
// proceed independently. Fetched ciphertext is verified against its hash
// before use, and retained in the Store only when the retain predicate
// allows it at fetch time.
type Fetcher struct {
	store  *Store
	source Source
	retain func(hash string) bool

	group singleflight.Group
}

// NewFetcher builds a Fetcher. retain may be nil, meaning always retain.
func NewFetcher(store *Store, source Source, retain func(hash string) bool) *Fetcher {
	if retain == nil {
		retain = func(string) bool { return true }
	}
	return &Fetcher{store: store, source: source, retain: retain}
}

// Store returns the underlying blob store.
func (f *Fetcher) Store() *Store { return f.store }

// Blob returns the blob for hash, fetching from the Source on a local miss.
// The returned blob's ciphertext always matches its hash.
func (f *Fetcher) Blob(ctx context.Context, hash string) (*Blob, error) {
	if !IsValidHash(hash) {
		return nil, ErrInvalidHash
	}

	b, err := f.store.Get(hash)
	if err == nil {
		return b, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	if f.source == nil {
		return nil, ErrNoSource
	}

	ch := f.group.DoChan(hash, func() (interface{}, error) {
		return f.fetch(ctx, hash)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Blob), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) fetch(ctx context.Context, hash string) (*Blob, error) {
	data, err := f.source.Fetch(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("blob: fetch %s: %w", hash[:12], err)
	}
	b := New(data)
	if b.Len() > MaxBlobSize {
		return nil, ErrBlobTooLarge
	}
	if b.Hash != hash {
		// Reject, do not store. Retrying is the peer layer's concern.
		return nil, ErrHashMismatch
	}
	if f.retain(hash) {
		if err := f.store.Put(hash, data); err != nil {
			return nil, err
		}
	}
	return b, nil
}
