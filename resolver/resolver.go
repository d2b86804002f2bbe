// Package resolver maps human-readable stream names to sd hashes.
// Resolution is an external collaborator from the engine's point of view;
// this package supplies a static table for configuration-driven setups and
// a DNS TXT backend for published names.
package resolver

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnknownName indicates the name does not resolve to a stream.
	ErrUnknownName = errors.New("resolver: unknown name")

	// ErrBadRecord indicates a resolution record is malformed.
	ErrBadRecord = errors.New("resolver: malformed record")
)

// Resolver resolves a stream name to its sd hash.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Mock is a test double for Resolver. ResolveFn must be set before use.
type Mock struct {
	ResolveFn func(ctx context.Context, name string) (string, error)
}

func (m *Mock) Resolve(ctx context.Context, name string) (string, error) {
	return m.ResolveFn(ctx, name)
}

// Table is a static in-memory name table, safe for concurrent use.
type Table struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewTable builds a Table from an initial name -> sd hash map (may be nil).
func NewTable(names map[string]string) *Table {
	t := &Table{names: make(map[string]string, len(names))}
	for k, v := range names {
		t.names[k] = v
	}
	return t
}

// Set registers or replaces a name.
func (t *Table) Set(name, sdHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names[name] = sdHash
}

// Remove drops a name; removing an absent name is a no-op.
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.names, name)
}

func (t *Table) Resolve(_ context.Context, name string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sdHash, ok := t.names[name]
	if !ok {
		return "", ErrUnknownName
	}
	return sdHash, nil
}

// Chain tries each resolver in order, returning the first hit. Only
// ErrUnknownName falls through; other errors stop the chain.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	for _, r := range c {
		sdHash, err := r.Resolve(ctx, name)
		if err == nil {
			return sdHash, nil
		}
		if !errors.Is(err, ErrUnknownName) {
			return "", err
		}
	}
	return "", ErrUnknownName
}
