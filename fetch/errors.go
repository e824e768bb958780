package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError indicates the request never produced an HTTP response:
// connectivity failure, DNS failure, or request timeout.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError indicates the remote service answered with a non-success
// status code.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch: http status %d", e.Status)
}

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsNotFound reports whether err is an HTTPError with status 404.
// Resource-existence checks use this to distinguish "gone" from
// "failed".
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

// StatusOf returns the HTTP status carried by err, or 0 if err is not
// an HTTPError.
func StatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
