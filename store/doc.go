// Package store provides the persisted, keyed collection cache that
// mirrors remote order books and similar per-key collections.
//
// Each entry is a fetched collection with freshness metadata, held in
// an in-memory mirror and written through to durable storage. Fetches
// are single-flight per key: while a key is loading, further requests
// for the same key are answered from the last known value instead of
// starting a duplicate request.
package store
