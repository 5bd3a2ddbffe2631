// Package objstore abstracts the S3-compatible object store that backs
// every durable piece of EchoDB's state: the WAL, SSTables, the
// sequence counter, checkpoints, and the leader lease record.
package objstore

import "context"

// Store is a flat key-value namespace over opaque byte values, the
// single durability primitive the rest of the engine is built on.
//
// Contracts:
//   - Get returns (nil, false, nil) for a missing key — absence is not
//     an error.
//   - Put, Delete, List, and Head return a non-nil error only for a
//     genuine failure talking to the store; this layer never retries,
//     the caller decides (spec §4.1, §9).
type Store interface {
	// Put writes value under key, last-writer-wins.
	Put(ctx context.Context, key string, value []byte) error
	// Get reads the value at key. found is false if key does not exist.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, best-effort ordered.
	List(ctx context.Context, prefix string) ([]string, error)
	// Head reports whether key exists without fetching its value.
	Head(ctx context.Context, key string) (bool, error)
	// Close releases any resources held by the store (connections,
	// background refreshers). It never fails destructively: callers must
	// still be able to call Close during shutdown even after prior
	// errors.
	Close() error
}
