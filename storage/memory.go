package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It is used in
// tests and as a fallback when no database path is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]map[string][]byte),
	}
}

// GetAll returns every record in the partition.
func (s *MemoryStore) GetAll(_ context.Context, partition string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	part := s.partitions[partition]
	records := make([]Record, 0, len(part))
	for key, value := range part {
		// Copy the value so callers never share the stored slice.
		buf := make([]byte, len(value))
		copy(buf, value)
		records = append(records, Record{Key: key, Value: buf})
	}
	return records, nil
}

// Put inserts or replaces a record in the partition.
func (s *MemoryStore) Put(_ context.Context, partition string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.partitions[partition]
	if !ok {
		part = make(map[string][]byte)
		s.partitions[partition] = part
	}
	buf := make([]byte, len(rec.Value))
	copy(buf, rec.Value)
	part[rec.Key] = buf
	return nil
}

// DeleteBatch removes the given keys from the partition.
func (s *MemoryStore) DeleteBatch(_ context.Context, partition string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.partitions[partition]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(part, key)
	}
	return nil
}

// Clear removes every record in the partition.
func (s *MemoryStore) Clear(_ context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.partitions, partition)
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
