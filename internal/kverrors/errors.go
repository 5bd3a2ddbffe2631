// Package kverrors defines the error taxonomy shared across EchoDB's
// storage and coordination packages.
package kverrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when a write is attempted on a node that
	// does not hold the leader lease.
	ErrNotLeader = errors.New("echodb: not leader")

	// ErrClosed is returned by any API call made after Close.
	ErrClosed = errors.New("echodb: closed")

	// ErrStoreUnavailable wraps a failure from the object store adapter.
	ErrStoreUnavailable = errors.New("echodb: object store unavailable")

	// ErrInternal covers programmer-error conditions that should never
	// occur in a correct build (e.g. rotating a nil memtable).
	ErrInternal = errors.New("echodb: internal error")

	// ErrKeyNotFound names plain absence of a key. No read path in this
	// module returns it: reads report absence (including a tombstoned
	// key) through a found=false result.
	ErrKeyNotFound = errors.New("echodb: key not found")
)

// CorruptError reports structurally invalid data read back from the
// object store: a WAL row with an impossible length prefix, an SST
// index entry past end-of-file, or a checkpoint blob of the wrong size.
type CorruptError struct {
	Where string
	Err   error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("echodb: corrupt data in %s: %v", e.Where, e.Err)
	}
	return fmt.Sprintf("echodb: corrupt data in %s", e.Where)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Corrupt constructs a CorruptError for the given location.
func Corrupt(where string, err error) *CorruptError {
	return &CorruptError{Where: where, Err: err}
}

// Unavailable wraps err (typically from internal/objstore) as
// ErrStoreUnavailable, preserving the original error in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
