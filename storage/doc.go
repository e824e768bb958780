// Package storage provides the durable key/value store backing the
// synchronization core's caches and freshness metadata.
//
// It defines the partitioned Store interface, a SQLite implementation
// for production use, and an in-memory implementation for tests.
package storage
