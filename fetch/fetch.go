package fetch

import (
	"context"
	"time"
)

// Request describes a single resource fetch.
type Request struct {
	// Endpoint is the resource path relative to the fetcher's base URL.
	Endpoint string

	// Method is the HTTP method. Default: GET
	Method string

	// Body is the request body, if any.
	Body []byte

	// PrincipalID identifies the principal whose credential should
	// authorize the request. Only used when RequiresAuth is set.
	PrincipalID int64

	// RequiresAuth marks the request as needing a bearer credential.
	RequiresAuth bool

	// ETag, when non-empty, is sent as If-None-Match so an unchanged
	// resource answers 304 instead of a full body.
	ETag string
}

// Result is the outcome of a successful fetch.
type Result struct {
	// Data is the response body. Empty when NotModified is set.
	Data []byte

	// ExpiresAt is when the fetched representation becomes stale,
	// taken from the response's expiry header. Zero if the server
	// supplied none.
	ExpiresAt time.Time

	// ETag is the conditional-fetch token for the representation.
	ETag string

	// NotModified is set when the server answered 304 to a
	// conditional request; Data is empty and the caller's cached
	// representation remains valid until ExpiresAt.
	NotModified bool
}

// Fetcher retrieves remote resources.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Fetch must honor cancellation/deadlines.
// - Errors: failures are *NetworkError or *HTTPError; any other error
//   indicates a credential or encoding problem local to the client.
type Fetcher interface {
	// Fetch retrieves a single resource.
	Fetch(ctx context.Context, req Request) (Result, error)

	// FetchPaged retrieves every page of a paginated collection and
	// returns the concatenated JSON array plus the last page's
	// freshness metadata.
	FetchPaged(ctx context.Context, req Request) (Result, error)
}
