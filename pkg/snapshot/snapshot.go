// Package snapshot persists and restores the accessor's plain data
// tree. Stores carry the whole tree as one JSON document; partial
// persistence is out of scope.
package snapshot

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no snapshot has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Store loads and saves one state tree.
type Store interface {
	// Load returns the most recently saved tree, or ErrNotFound.
	Load(ctx context.Context) (map[string]any, error)

	// Save replaces the stored tree.
	Save(ctx context.Context, tree map[string]any) error
}

// MemoryStore keeps the snapshot in process memory. Useful for tests
// and single-process setups that only need save/load symmetry.
type MemoryStore struct {
	tree map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (map[string]any, error) {
	if m.tree == nil {
		return nil, ErrNotFound
	}
	return m.tree, nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, tree map[string]any) error {
	m.tree = tree
	return nil
}
