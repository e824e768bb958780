// Package cache provides a bounded in-memory TTL cache.
//
// Entries expire a fixed duration after insertion and are evicted
// lazily on access; when the cache is full the least-recently-used
// entry is evicted. Get, Set and eviction are O(1).
package cache
