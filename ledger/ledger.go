package ledger

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/observe"
	"github.com/stellarops/mirrorsync/storage"
)

// DefaultPartition is the storage partition holding freshness records.
const DefaultPartition = "expiries"

// FreshnessRecord is the persisted freshness metadata for one
// (owner, resource) pair.
type FreshnessRecord struct {
	// ExpiresAt is when the cached representation becomes stale.
	ExpiresAt time.Time `json:"expires_at"`

	// ETag is the conditional-fetch token from the last fetch, if any.
	ETag string `json:"etag,omitempty"`
}

// Config configures a Ledger.
type Config struct {
	// Store is the durable backing store. Required.
	Store storage.Store

	// Partition is the storage partition name.
	// Default: "expiries"
	Partition string

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock

	// Logger receives load and write-through diagnostics. If nil,
	// logging is disabled.
	Logger observe.Logger
}

// Ledger answers "is this resource stale" for every mirrored resource.
// The in-memory map is authoritative; every mutation is written
// through to durable storage asynchronously and best-effort. Safe for
// concurrent use.
type Ledger struct {
	store     storage.Store
	partition string
	clock     clock.Clock
	logger    observe.Logger

	mu      sync.RWMutex
	records map[string]FreshnessRecord
}

// New creates a Ledger. Call Load before first use.
func New(cfg Config) *Ledger {
	if cfg.Partition == "" {
		cfg.Partition = DefaultPartition
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}

	return &Ledger{
		store:     cfg.Store,
		partition: cfg.Partition,
		clock:     cfg.Clock,
		logger:    cfg.Logger.WithComponent("ledger"),
		records:   make(map[string]FreshnessRecord),
	}
}

// Load populates the in-memory map from durable storage. A storage
// failure is logged and leaves the ledger empty but usable (cold
// cache); it never blocks startup.
func (l *Ledger) Load(ctx context.Context) {
	records, err := l.store.GetAll(ctx, l.partition)
	if err != nil {
		l.logger.Warn(ctx, "loading freshness records failed, starting cold",
			observe.Field{Key: "error", Value: err.Error()})
		return
	}

	loaded := make(map[string]FreshnessRecord, len(records))
	for _, rec := range records {
		var fr FreshnessRecord
		if err := json.Unmarshal(rec.Value, &fr); err != nil {
			l.logger.Warn(ctx, "skipping malformed freshness record",
				observe.Field{Key: "key", Value: rec.Key},
				observe.Field{Key: "error", Value: err.Error()})
			continue
		}
		loaded[rec.Key] = fr
	}

	l.mu.Lock()
	l.records = loaded
	l.mu.Unlock()

	l.logger.Debug(ctx, "freshness records loaded",
		observe.Field{Key: "count", Value: len(loaded)})
}

// SetExpiry records the expiry time and conditional-fetch token for a
// resource. The in-memory update is synchronous; persistence happens
// on a separate goroutine and failures are logged, not returned.
func (l *Ledger) SetExpiry(ctx context.Context, owner, resource string, expiresAt time.Time, etag string) {
	key := recordKey(owner, resource)
	record := FreshnessRecord{ExpiresAt: expiresAt, ETag: etag}

	l.mu.Lock()
	l.records[key] = record
	l.mu.Unlock()

	go l.persist(context.WithoutCancel(ctx), key, record)
}

// Get returns the freshness record for a resource, if present.
func (l *Ledger) Get(owner, resource string) (FreshnessRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[recordKey(owner, resource)]
	return record, ok
}

// IsExpired reports whether a resource must be fetched: true when no
// record exists or the recorded expiry has passed.
func (l *Ledger) IsExpired(owner, resource string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[recordKey(owner, resource)]
	if !ok {
		return true
	}
	return !l.clock.Now().Before(record.ExpiresAt)
}

// NextExpiry returns the key and time of the soonest future expiry,
// ignoring records that have already expired. Used to schedule the
// next proactive refresh without polling every resource. Returns
// ok=false when nothing expires in the future.
func (l *Ledger) NextExpiry() (key string, expiresAt time.Time, ok bool) {
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	for k, record := range l.records {
		if !record.ExpiresAt.After(now) {
			continue
		}
		if !ok || record.ExpiresAt.Before(expiresAt) {
			key, expiresAt, ok = k, record.ExpiresAt, true
		}
	}
	return key, expiresAt, ok
}

// ClearOwner removes every record belonging to the owner, in memory
// and in storage.
func (l *Ledger) ClearOwner(ctx context.Context, owner string) {
	prefix := owner + ":"

	l.mu.Lock()
	var removed []string
	for key := range l.records {
		if strings.HasPrefix(key, prefix) {
			delete(l.records, key)
			removed = append(removed, key)
		}
	}
	l.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := l.store.DeleteBatch(ctx, l.partition, removed); err != nil {
			l.logger.Warn(ctx, "deleting freshness records failed",
				observe.Field{Key: "owner", Value: owner},
				observe.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// Clear removes every record, in memory and in storage.
func (l *Ledger) Clear(ctx context.Context) {
	l.mu.Lock()
	l.records = make(map[string]FreshnessRecord)
	l.mu.Unlock()

	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := l.store.Clear(ctx, l.partition); err != nil {
			l.logger.Warn(ctx, "clearing freshness records failed",
				observe.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// Len returns the number of records held in memory.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// persist writes one record through to storage.
func (l *Ledger) persist(ctx context.Context, key string, record FreshnessRecord) {
	value, err := json.Marshal(record)
	if err != nil {
		l.logger.Warn(ctx, "encoding freshness record failed",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := l.store.Put(ctx, l.partition, storage.Record{Key: key, Value: value}); err != nil {
		l.logger.Warn(ctx, "persisting freshness record failed",
			observe.Field{Key: "key", Value: key},
			observe.Field{Key: "error", Value: err.Error()})
	}
}

// recordKey composes the storage key for an (owner, resource) pair.
func recordKey(owner, resource string) string {
	return owner + ":" + resource
}
