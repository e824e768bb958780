package storage

import (
	"context"
	"errors"
)

// Sentinel errors for durable storage.
var (
	// ErrStorage is wrapped by every failure of a store operation.
	ErrStorage = errors.New("storage: operation failed")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("storage: store is closed")
)

// Record is a single key/value pair within a partition. Values are
// opaque to the store; callers marshal their own representations.
type Record struct {
	Key   string
	Value []byte
}

// Store is partitioned key/value persistence for the synchronization
// core. Partitions are cheap named namespaces (freshness records,
// order caches, notification history); they do not need to be created
// before use.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: all operations honor cancellation/deadlines.
// - Errors: failures wrap ErrStorage so callers can match with errors.Is.
type Store interface {
	// GetAll returns every record in the partition. An unknown
	// partition yields an empty slice, not an error.
	GetAll(ctx context.Context, partition string) ([]Record, error)

	// Put inserts or replaces a record in the partition.
	Put(ctx context.Context, partition string, rec Record) error

	// DeleteBatch removes the given keys from the partition. Missing
	// keys are ignored.
	DeleteBatch(ctx context.Context, partition string, keys []string) error

	// Clear removes every record in the partition.
	Clear(ctx context.Context, partition string) error
}
