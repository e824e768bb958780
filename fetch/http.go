package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellarops/mirrorsync/observe"
)

// ErrNoCredential is returned when an authenticated request could not
// obtain a token for its principal.
var ErrNoCredential = errors.New("fetch: no credential available")

// TokenSource supplies bearer credentials for authenticated requests.
// The token broker implements this.
type TokenSource interface {
	// Token returns a credential for the principal, or "" with a nil
	// error when none could be obtained.
	Token(ctx context.Context, principalID int64) (string, error)
}

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialDelay is the delay before the first retry; it doubles
	// each attempt.
	// Default: 250ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 10s
	MaxDelay time.Duration

	// Jitter adds up to 25% randomness to delays.
	// Default: true (set NoJitter to disable)
	NoJitter bool
}

// HTTPConfig configures the HTTP fetcher.
type HTTPConfig struct {
	// BaseURL is prepended to every request endpoint. Required.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	// HTTPClient is the client to use. If nil, a default client with
	// a 30s timeout is used.
	HTTPClient *http.Client

	// TokenSource supplies credentials for authenticated requests.
	// Required if any request sets RequiresAuth.
	TokenSource TokenSource

	// Retry configures transient-failure retries.
	Retry RetryConfig

	// PageConcurrency bounds concurrent page fetches in FetchPaged.
	// Default: 4
	PageConcurrency int

	// Breaker, when non-nil, fails requests fast while the upstream
	// keeps answering with transient errors.
	Breaker *BreakerConfig

	// Logger receives fetch diagnostics. If nil, logging is disabled.
	Logger observe.Logger
}

// HTTPFetcher is the HTTP implementation of Fetcher. It sends ETag
// conditional requests, reads expiry metadata from response headers,
// and retries transient failures with exponential backoff.
type HTTPFetcher struct {
	config  HTTPConfig
	breaker *breaker
}

// NewHTTPFetcher creates a new HTTP fetcher.
func NewHTTPFetcher(config HTTPConfig) (*HTTPFetcher, error) {
	if config.BaseURL == "" {
		return nil, errors.New("fetch: base URL is required")
	}

	// Apply defaults
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.InitialDelay <= 0 {
		config.Retry.InitialDelay = 250 * time.Millisecond
	}
	if config.Retry.MaxDelay <= 0 {
		config.Retry.MaxDelay = 10 * time.Second
	}
	if config.PageConcurrency <= 0 {
		config.PageConcurrency = 4
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}

	f := &HTTPFetcher{config: config}
	if config.Breaker != nil {
		f.breaker = newBreaker(*config.Breaker)
	}
	return f, nil
}

// BreakerState reports the upstream guard's state. Always closed when
// no breaker is configured.
func (f *HTTPFetcher) BreakerState() BreakerState {
	if f.breaker == nil {
		return BreakerClosed
	}
	return f.breaker.currentState()
}

// Fetch retrieves a single resource, retrying transient failures.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	if f.breaker != nil {
		if err := f.breaker.allow(); err != nil {
			return Result{}, err
		}
	}
	result, err := f.fetchWithRetry(ctx, req)
	if f.breaker != nil {
		f.breaker.record(err)
	}
	return result, err
}

// fetchWithRetry is the retry loop behind Fetch.
func (f *HTTPFetcher) fetchWithRetry(ctx context.Context, req Request) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= f.config.Retry.MaxAttempts; attempt++ {
		result, err := f.doFetch(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTransient(err) {
			return Result{}, err
		}
		if attempt >= f.config.Retry.MaxAttempts {
			break
		}

		delay := f.retryDelay(attempt)
		f.config.Logger.Debug(ctx, "retrying fetch",
			observe.Field{Key: "endpoint", Value: req.Endpoint},
			observe.Field{Key: "attempt", Value: attempt},
			observe.Field{Key: "delay_ms", Value: delay.Milliseconds()},
		)

		select {
		case <-ctx.Done():
			return Result{}, &NetworkError{Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return Result{}, lastErr
}

// doFetch performs one request/response round-trip.
func (f *HTTPFetcher) doFetch(ctx context.Context, req Request) (Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, f.config.BaseURL+req.Endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if f.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.config.UserAgent)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}

	if req.RequiresAuth {
		if f.config.TokenSource == nil {
			return Result{}, ErrNoCredential
		}
		token, err := f.config.TokenSource.Token(ctx, req.PrincipalID)
		if err != nil {
			return Result{}, fmt.Errorf("fetch: obtain token: %w", err)
		}
		if token == "" {
			return Result{}, ErrNoCredential
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.config.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	result := Result{
		ETag:      resp.Header.Get("ETag"),
		ExpiresAt: parseExpires(resp.Header),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		if result.ETag == "" {
			result.ETag = req.ETag
		}
		return result, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, &NetworkError{Err: err}
		}
		result.Data = data
		return result, nil

	default:
		return Result{}, &HTTPError{Status: resp.StatusCode}
	}
}

// FetchPaged retrieves every page of a paginated collection. Pages
// after the first are fetched concurrently (bounded); the merged JSON
// array carries the last page's freshness metadata. The conditional
// ETag applies to page one only.
func (f *HTTPFetcher) FetchPaged(ctx context.Context, req Request) (Result, error) {
	if f.breaker != nil {
		if err := f.breaker.allow(); err != nil {
			return Result{}, err
		}
	}
	result, err := f.fetchAllPages(ctx, req)
	if f.breaker != nil {
		f.breaker.record(err)
	}
	return result, err
}

// fetchAllPages retrieves and merges every page.
func (f *HTTPFetcher) fetchAllPages(ctx context.Context, req Request) (Result, error) {
	firstReq := req
	first, err := f.fetchPage(ctx, firstReq, 1)
	if err != nil {
		return Result{}, err
	}
	if first.result.NotModified {
		return first.result, nil
	}

	if first.pages <= 1 {
		return first.result, nil
	}

	pageItems := make([][]json.RawMessage, first.pages)
	pageItems[0] = first.items

	var mu sync.Mutex
	last := first.result

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.PageConcurrency)
	for page := 2; page <= first.pages; page++ {
		g.Go(func() error {
			pageReq := req
			pageReq.ETag = "" // conditional fetch covers page one only
			fetched, err := f.fetchPage(gctx, pageReq, page)
			if err != nil {
				return err
			}
			mu.Lock()
			pageItems[page-1] = fetched.items
			if page == first.pages {
				last = fetched.result
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var merged []json.RawMessage
	for _, items := range pageItems {
		merged = append(merged, items...)
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: merge pages: %w", err)
	}

	return Result{
		Data:      data,
		ExpiresAt: last.ExpiresAt,
		ETag:      first.result.ETag,
	}, nil
}

type fetchedPage struct {
	result Result
	items  []json.RawMessage
	pages  int
}

// fetchPage fetches one page and decodes its JSON array body.
func (f *HTTPFetcher) fetchPage(ctx context.Context, req Request, page int) (fetchedPage, error) {
	pagedReq := req
	pagedReq.Endpoint = pageEndpoint(req.Endpoint, page)

	pages := 1
	var result Result
	var lastErr error

	for attempt := 1; attempt <= f.config.Retry.MaxAttempts; attempt++ {
		var pagesHeader int
		result, pagesHeader, lastErr = f.doFetchPaged(ctx, pagedReq)
		if lastErr == nil {
			pages = pagesHeader
			break
		}
		if !isTransient(lastErr) || attempt >= f.config.Retry.MaxAttempts {
			return fetchedPage{}, lastErr
		}
		select {
		case <-ctx.Done():
			return fetchedPage{}, &NetworkError{Err: ctx.Err()}
		case <-time.After(f.retryDelay(attempt)):
		}
	}
	if lastErr != nil {
		return fetchedPage{}, lastErr
	}

	if result.NotModified {
		return fetchedPage{result: result, pages: pages}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(result.Data, &items); err != nil {
		return fetchedPage{}, fmt.Errorf("fetch: decode page %d: %w", page, err)
	}
	return fetchedPage{result: result, items: items, pages: pages}, nil
}

// doFetchPaged is doFetch plus the X-Pages response header.
func (f *HTTPFetcher) doFetchPaged(ctx context.Context, req Request) (Result, int, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, f.config.BaseURL+req.Endpoint, nil)
	if err != nil {
		return Result{}, 0, fmt.Errorf("fetch: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if f.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", f.config.UserAgent)
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.RequiresAuth {
		if f.config.TokenSource == nil {
			return Result{}, 0, ErrNoCredential
		}
		token, err := f.config.TokenSource.Token(ctx, req.PrincipalID)
		if err != nil {
			return Result{}, 0, fmt.Errorf("fetch: obtain token: %w", err)
		}
		if token == "" {
			return Result{}, 0, ErrNoCredential
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.config.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, 0, &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	pages := 1
	if h := resp.Header.Get("X-Pages"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			pages = n
		}
	}

	result := Result{
		ETag:      resp.Header.Get("ETag"),
		ExpiresAt: parseExpires(resp.Header),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		if result.ETag == "" {
			result.ETag = req.ETag
		}
		return result, pages, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, 0, &NetworkError{Err: err}
		}
		result.Data = data
		return result, pages, nil

	default:
		return Result{}, 0, &HTTPError{Status: resp.StatusCode}
	}
}

// retryDelay computes the exponential backoff delay for an attempt.
func (f *HTTPFetcher) retryDelay(attempt int) time.Duration {
	delay := time.Duration(float64(f.config.Retry.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > f.config.Retry.MaxDelay {
		delay = f.config.Retry.MaxDelay
	}
	if !f.config.Retry.NoJitter && delay > 0 {
		// Up to 25% jitter
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
	}
	return delay
}

// isTransient reports whether a failure is worth retrying: network
// errors, server errors, and the remote's rate-limit status.
func isTransient(err error) bool {
	if IsNetwork(err) {
		return true
	}
	status := StatusOf(err)
	return status >= 500 || status == http.StatusTooManyRequests || status == 420
}

// pageEndpoint appends the page query parameter to an endpoint that
// may or may not already carry a query string.
func pageEndpoint(endpoint string, page int) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "page=" + strconv.Itoa(page)
}

// parseExpires reads the representation's expiry from the Expires
// header, falling back to zero when absent or malformed.
func parseExpires(header http.Header) time.Time {
	value := header.Get("Expires")
	if value == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Ensure HTTPFetcher implements Fetcher
var _ Fetcher = (*HTTPFetcher)(nil)
