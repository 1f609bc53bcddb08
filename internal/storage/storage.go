// Package storage is the key-value engine underneath internal/entity's
// content-addressed records: one context's whole replicated state, keyed
// under a namespace prefix ("entity/" today), sits behind this interface
// so entity.Store never cares whether it's talking to badger on disk or an
// in-memory stand-in in tests.
package storage

import "context"

// Store is the contract entity.Store rebuilds its Merkle index from and
// persists every Put through. Iterate's prefix match is a plain byte
// prefix over the full key, not a namespace-aware split — callers that
// share one Store across multiple key namespaces (as entity.Store does
// with its "entity/" prefix) rely on picking prefixes that don't collide.
type Store interface {
	// Get retrieves a value by key, returning (nil, nil) when absent.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set writes value under key, creating or overwriting it.
	Set(ctx context.Context, key, value []byte) error

	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Has reports whether key is present.
	Has(ctx context.Context, key []byte) (bool, error)

	// Iterate calls fn for every key with the given byte prefix. Order is
	// implementation-defined unless the implementation documents
	// otherwise; entity.Store's rebuild walk only needs completeness, not
	// a particular order, since it feeds a commutative index rebuild.
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error

	// Close releases any resources the store holds open.
	Close() error
}
