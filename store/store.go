package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/observe"
	"github.com/stellarops/mirrorsync/storage"
)

// ErrNoFetcher indicates the store was constructed without a fetch
// function.
var ErrNoFetcher = errors.New("store: fetch function is required")

// FetchResult is the outcome of a collection fetch.
type FetchResult[V any] struct {
	// Items is the fetched collection.
	Items []V

	// ExpiresAt is when the collection becomes stale. Zero means the
	// remote supplied no expiry; the store falls back to DefaultTTL.
	ExpiresAt time.Time
}

// FetchFunc retrieves the collection for one (scope, key) pair.
type FetchFunc[V any] func(ctx context.Context, scope, key string) (FetchResult[V], error)

// Entry is a cached collection with freshness metadata, persisted as
// a single record.
type Entry[V any] struct {
	Items     []V       `json:"items"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config configures a Store.
type Config[V any] struct {
	// Name identifies the store: it is the storage partition and the
	// cache name in metrics. Required.
	Name string

	// Storage is the durable backing store. Required.
	Storage storage.Store

	// Fetch retrieves a collection on cache miss. Required.
	Fetch FetchFunc[V]

	// DefaultTTL is used when the fetcher supplies no expiry.
	// Default: 5 minutes
	DefaultTTL time.Duration

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock

	// Logger receives diagnostics. If nil, logging is disabled.
	Logger observe.Logger

	// Metrics records cache hits and misses. If nil, metrics are
	// disabled.
	Metrics observe.Metrics
}

// Store is a persisted, keyed collection cache with single-flight
// fetch semantics per key. Staleness is checked lazily on access;
// there is no background sweep. Safe for concurrent use.
type Store[V any] struct {
	name       string
	storage    storage.Store
	fetch      FetchFunc[V]
	defaultTTL time.Duration
	clock      clock.Clock
	logger     observe.Logger
	metrics    observe.Metrics

	mu      sync.Mutex
	scope   string
	entries map[string]Entry[V]
	loading map[string]bool
	errs    map[string]string
}

// New creates a Store. Call Init before first use.
func New[V any](cfg Config[V]) (*Store[V], error) {
	if cfg.Fetch == nil {
		return nil, ErrNoFetcher
	}
	if cfg.Name == "" {
		cfg.Name = "collections"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NopMetrics()
	}

	return &Store[V]{
		name:       cfg.Name,
		storage:    cfg.Storage,
		fetch:      cfg.Fetch,
		defaultTTL: cfg.DefaultTTL,
		clock:      cfg.Clock,
		logger:     cfg.Logger.WithComponent("store." + cfg.Name),
		metrics:    cfg.Metrics,
		entries:    make(map[string]Entry[V]),
		loading:    make(map[string]bool),
		errs:       make(map[string]string),
	}, nil
}

// Init bulk-loads unexpired persisted entries into the in-memory
// mirror. Expired entries found during the load are deleted from
// storage on a background goroutine; the deletion never blocks Init.
// A storage failure is logged and leaves the store empty but usable.
func (s *Store[V]) Init(ctx context.Context) {
	if s.storage == nil {
		return
	}

	records, err := s.storage.GetAll(ctx, s.name)
	if err != nil {
		s.logger.Warn(ctx, "loading cached collections failed, starting cold",
			observe.Field{Key: "error", Value: err.Error()})
		return
	}

	now := s.clock.Now()
	loaded := make(map[string]Entry[V])
	var expired []string
	for _, rec := range records {
		var entry Entry[V]
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			expired = append(expired, rec.Key)
			continue
		}
		if !now.Before(entry.ExpiresAt) {
			expired = append(expired, rec.Key)
			continue
		}
		loaded[rec.Key] = entry
	}

	s.mu.Lock()
	s.entries = loaded
	s.mu.Unlock()

	s.logger.Debug(ctx, "cached collections loaded",
		observe.Field{Key: "count", Value: len(loaded)},
		observe.Field{Key: "expired", Value: len(expired)})

	if len(expired) > 0 {
		go func() {
			ctx := context.WithoutCancel(ctx)
			if err := s.storage.DeleteBatch(ctx, s.name, expired); err != nil {
				s.logger.Warn(ctx, "deleting expired collections failed",
					observe.Field{Key: "error", Value: err.Error()})
			}
		}()
	}
}

// SetScope switches the active scope (e.g. the selected region).
// Cached entries for other scopes stay resident; their keys simply
// stop matching.
func (s *Store[V]) SetScope(scope string) {
	s.mu.Lock()
	s.scope = scope
	s.mu.Unlock()
}

// FetchForKey returns the collection for the key, fetching it when
// the cached copy is absent or stale. While a fetch for the same key
// is in flight, concurrent calls return the last known value (possibly
// empty) instead of starting a duplicate request. On failure the error
// is recorded on the key (see Status) and an empty collection is
// returned alongside the error; a failing key never panics and never
// affects sibling keys.
func (s *Store[V]) FetchForKey(ctx context.Context, key string) ([]V, error) {
	s.mu.Lock()
	scope := s.scope
	ck := compositeKey(scope, key)
	now := s.clock.Now()

	if entry, ok := s.entries[ck]; ok && now.Before(entry.ExpiresAt) {
		s.mu.Unlock()
		s.metrics.RecordCacheAccess(ctx, s.name, true)
		return entry.Items, nil
	}

	if s.loading[ck] {
		// Single-flight: answer from the last known value.
		last := s.entries[ck].Items
		s.mu.Unlock()
		if last == nil {
			last = []V{}
		}
		return last, nil
	}

	s.loading[ck] = true
	s.mu.Unlock()
	s.metrics.RecordCacheAccess(ctx, s.name, false)

	result, err := s.fetch(ctx, scope, key)
	if err != nil {
		s.mu.Lock()
		delete(s.loading, ck)
		s.errs[ck] = err.Error()
		s.mu.Unlock()

		s.logger.Warn(ctx, "collection fetch failed",
			observe.Field{Key: "key", Value: ck},
			observe.Field{Key: "error", Value: err.Error()})
		return []V{}, err
	}

	expiresAt := result.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.defaultTTL)
	}
	entry := Entry[V]{
		Items:     result.Items,
		FetchedAt: now,
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	s.entries[ck] = entry
	delete(s.loading, ck)
	delete(s.errs, ck)
	s.mu.Unlock()

	go s.persist(context.WithoutCancel(ctx), ck, entry)

	return entry.Items, nil
}

// GetForKey returns the cached collection for the key without any
// network access. Returns ok=false when the key is absent or stale.
func (s *Store[V]) GetForKey(key string) ([]V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[compositeKey(s.scope, key)]
	if !ok || !s.clock.Now().Before(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Items, true
}

// Status reports the fetch state for the key: Loading while a fetch
// is in flight, Error after a failed fetch (until the next success),
// Ready while fresh data is cached, Idle otherwise.
func (s *Store[V]) Status(key string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := compositeKey(s.scope, key)
	switch {
	case s.loading[ck]:
		return StatusLoading
	case s.errs[ck] != "":
		return StatusError
	default:
		if entry, ok := s.entries[ck]; ok && s.clock.Now().Before(entry.ExpiresAt) {
			return StatusReady
		}
		return StatusIdle
	}
}

// ErrorMessage returns the recorded error for the key, if any.
func (s *Store[V]) ErrorMessage(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[compositeKey(s.scope, key)]
}

// Clear drops every cached entry, in memory and in storage.
func (s *Store[V]) Clear(ctx context.Context) {
	s.mu.Lock()
	s.entries = make(map[string]Entry[V])
	s.errs = make(map[string]string)
	s.mu.Unlock()

	if s.storage == nil {
		return
	}
	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := s.storage.Clear(ctx, s.name); err != nil {
			s.logger.Warn(ctx, "clearing collections failed",
				observe.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// Len returns the number of resident entries across all scopes.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// persist writes one entry through to storage.
func (s *Store[V]) persist(ctx context.Context, key string, entry Entry[V]) {
	if s.storage == nil {
		return
	}
	value, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn(ctx, "encoding collection failed",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := s.storage.Put(ctx, s.name, storage.Record{Key: key, Value: value}); err != nil {
		s.logger.Warn(ctx, "persisting collection failed",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err.Error()})
	}
}

// compositeKey joins the scope and key into the cache key.
func compositeKey(scope, key string) string {
	if scope == "" {
		return key
	}
	return scope + ":" + key
}
