// Package fetch provides the resource fetcher used by the
// synchronization core.
//
// It defines the Fetcher interface, the network/HTTP error taxonomy,
// and an HTTP implementation with ETag conditional requests, expiry
// header parsing, bounded retry with backoff, and concurrent
// pagination.
package fetch
