package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/fetch"
	"github.com/stellarops/mirrorsync/ledger"
	"github.com/stellarops/mirrorsync/notify"
	"github.com/stellarops/mirrorsync/observe"
	"github.com/stellarops/mirrorsync/storage"
	"github.com/stellarops/mirrorsync/store"
)

// ErrNoFetcher indicates the mirror was constructed without a fetcher.
var ErrNoFetcher = errors.New("mirror: fetcher is required")

// structuresPartition holds the last structure snapshot per owner.
const structuresPartition = "structures"

// structuresResource is the ledger resource name for structure
// freshness.
const structuresResource = "structures"

// Order is one market order as served by the remote API.
type Order struct {
	OrderID      int64     `json:"order_id"`
	TypeID       int64     `json:"type_id"`
	LocationID   int64     `json:"location_id"`
	Price        float64   `json:"price"`
	VolumeRemain int64     `json:"volume_remain"`
	IsBuyOrder   bool      `json:"is_buy_order"`
	Issued       time.Time `json:"issued,omitzero"`
}

// Config configures a Mirror.
type Config struct {
	// Fetcher retrieves remote resources. Required.
	Fetcher fetch.Fetcher

	// Storage persists freshness metadata, cached collections, and
	// notification history. If nil, an in-memory store is used and
	// every start is cold.
	Storage storage.Store

	// Sink receives structure alerts. Optional.
	Sink notify.Sink

	// RefreshInterval is the fallback refresh period used when the
	// remote supplies no expiry, and the upper bound between cycles.
	// Default: 1 minute
	RefreshInterval time.Duration

	// OrderTTL is the order cache's fallback TTL.
	// Default: 5 minutes
	OrderTTL time.Duration

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock

	// Logger receives diagnostics. If nil, logging is disabled.
	Logger observe.Logger

	// Metrics records refresh and cache activity. If nil, metrics are
	// disabled.
	Metrics observe.Metrics

	// Tracer creates refresh spans. If nil, tracing is disabled.
	Tracer observe.Tracer
}

// Mirror is the synchronization coordinator. Safe for concurrent use.
type Mirror struct {
	fetcher         fetch.Fetcher
	storage         storage.Store
	refreshInterval time.Duration
	clock           clock.Clock
	logger          observe.Logger
	metrics         observe.Metrics
	tracer          observe.Tracer

	ledger   *ledger.Ledger
	orders   *store.Store[Order]
	notifier *notify.Notifier

	mu         sync.Mutex
	structures map[int64][]notify.Structure
}

// New creates a Mirror and its owned components. Call Init before
// first use.
func New(cfg Config) (*Mirror, error) {
	if cfg.Fetcher == nil {
		return nil, ErrNoFetcher
	}
	if cfg.Storage == nil {
		cfg.Storage = storage.NewMemoryStore()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Minute
	}
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = 5 * time.Minute
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
	if cfg.Tracer == nil {
		cfg.Tracer = observe.NopTracer()
	}

	m := &Mirror{
		fetcher:         cfg.Fetcher,
		storage:         cfg.Storage,
		refreshInterval: cfg.RefreshInterval,
		clock:           cfg.Clock,
		logger:          cfg.Logger.WithComponent("mirror"),
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		structures:      make(map[int64][]notify.Structure),
	}

	m.ledger = ledger.New(ledger.Config{
		Store:  cfg.Storage,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	m.notifier = notify.New(notify.Config{
		Sink:    cfg.Sink,
		Storage: cfg.Storage,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})

	orders, err := store.New(store.Config[Order]{
		Name:       "orders",
		Storage:    cfg.Storage,
		Fetch:      m.fetchOrders,
		DefaultTTL: cfg.OrderTTL,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	m.orders = orders

	return m, nil
}

// Init restores persisted state: the expiry ledger, the order cache,
// the notification history, and the structure snapshots. Failures are
// logged and leave the mirror usable with a cold cache.
func (m *Mirror) Init(ctx context.Context) {
	m.ledger.Load(ctx)
	m.orders.Init(ctx)
	m.notifier.Load(ctx)
	m.loadStructures(ctx)
}

// SetRegion selects the market region the order cache serves.
func (m *Mirror) SetRegion(regionID int64) {
	m.orders.SetScope(strconv.FormatInt(regionID, 10))
}

// Orders returns the market orders for the item type in the selected
// region, fetching them when the cached copy is absent or stale.
func (m *Mirror) Orders(ctx context.Context, typeID int64) ([]Order, error) {
	return m.orders.FetchForKey(ctx, strconv.FormatInt(typeID, 10))
}

// CachedOrders returns the cached orders for the item type without
// network access.
func (m *Mirror) CachedOrders(typeID int64) ([]Order, bool) {
	return m.orders.GetForKey(strconv.FormatInt(typeID, 10))
}

// OrderStatus reports the order cache's fetch state for the item type.
func (m *Mirror) OrderStatus(typeID int64) store.Status {
	return m.orders.Status(strconv.FormatInt(typeID, 10))
}

// fetchOrders retrieves one region+type order collection and records
// its freshness in the ledger.
func (m *Mirror) fetchOrders(ctx context.Context, scope, key string) (store.FetchResult[Order], error) {
	endpoint := fmt.Sprintf("/markets/%s/orders/?type_id=%s", scope, key)
	result, err := m.fetcher.FetchPaged(ctx, fetch.Request{Endpoint: endpoint})
	if err != nil {
		return store.FetchResult[Order]{}, err
	}

	var orders []Order
	if err := json.Unmarshal(result.Data, &orders); err != nil {
		return store.FetchResult[Order]{}, fmt.Errorf("mirror: decoding orders: %w", err)
	}

	m.ledger.SetExpiry(ctx, scope, "orders:"+key, result.ExpiresAt, result.ETag)
	return store.FetchResult[Order]{Items: orders, ExpiresAt: result.ExpiresAt}, nil
}

// RefreshStructures fetches the owner's structure collection when the
// ledger says the local copy is stale, diffs it against the previous
// snapshot for alerts, and returns the current snapshot. While fresh,
// the cached snapshot is returned without network access. On failure
// the previous snapshot is returned alongside the error so callers can
// keep showing stale data.
func (m *Mirror) RefreshStructures(ctx context.Context, ownerID int64) (structures []notify.Structure, err error) {
	owner := strconv.FormatInt(ownerID, 10)
	start := m.clock.Now()
	ctx, span := m.tracer.StartSpan(ctx, structuresResource)
	defer func() {
		m.tracer.EndSpan(span, err)
		m.metrics.RecordRefresh(ctx, structuresResource, m.clock.Now().Sub(start), err)
	}()

	prev, _ := m.Structures(ownerID)
	if !m.ledger.IsExpired(owner, structuresResource) {
		m.metrics.RecordCacheAccess(ctx, structuresPartition, true)
		return prev, nil
	}
	m.metrics.RecordCacheAccess(ctx, structuresPartition, false)

	record, _ := m.ledger.Get(owner, structuresResource)
	result, err := m.fetcher.FetchPaged(ctx, fetch.Request{
		Endpoint:     fmt.Sprintf("/corporations/%d/structures/", ownerID),
		PrincipalID:  ownerID,
		RequiresAuth: true,
		ETag:         record.ETag,
	})
	if err != nil {
		m.logger.Warn(ctx, "structure refresh failed",
			observe.Field{Key: "owner", Value: owner},
			observe.Field{Key: "error", Value: err.Error()})
		return prev, err
	}

	expiresAt := result.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = m.clock.Now().Add(m.refreshInterval)
	}

	if result.NotModified {
		m.ledger.SetExpiry(ctx, owner, structuresResource, expiresAt, result.ETag)
		return prev, nil
	}

	var current []notify.Structure
	if err = json.Unmarshal(result.Data, &current); err != nil {
		err = fmt.Errorf("mirror: decoding structures: %w", err)
		return prev, err
	}

	m.notifier.ProcessChanges(ctx, prev, current)

	m.mu.Lock()
	m.structures[ownerID] = current
	m.mu.Unlock()
	m.ledger.SetExpiry(ctx, owner, structuresResource, expiresAt, result.ETag)
	go m.persistStructures(context.WithoutCancel(ctx), owner, current)

	return current, nil
}

// Structures returns the last structure snapshot for the owner.
func (m *Mirror) Structures(ownerID int64) ([]notify.Structure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.structures[ownerID]
	return snapshot, ok
}

// ForgetOwner drops the owner's snapshot and every ledger record with
// the owner's prefix, in memory and in storage.
func (m *Mirror) ForgetOwner(ctx context.Context, ownerID int64) {
	owner := strconv.FormatInt(ownerID, 10)

	m.mu.Lock()
	delete(m.structures, ownerID)
	m.mu.Unlock()

	m.ledger.ClearOwner(ctx, owner)
	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := m.storage.DeleteBatch(ctx, structuresPartition, []string{owner}); err != nil {
			m.logger.Warn(ctx, "deleting structure snapshot failed",
				observe.Field{Key: "owner", Value: owner},
				observe.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// ClearNotificationHistory forgets delivered alerts so transitions may
// re-alert.
func (m *Mirror) ClearNotificationHistory(ctx context.Context) {
	m.notifier.ClearHistory(ctx)
}

// NextRefresh returns how long until the soonest tracked resource goes
// stale. ok is false when nothing tracked expires in the future.
func (m *Mirror) NextRefresh() (time.Duration, bool) {
	_, expiresAt, ok := m.ledger.NextExpiry()
	if !ok {
		return 0, false
	}
	wait := expiresAt.Sub(m.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Run refreshes the owner's structures in a loop until the context is
// cancelled. Each cycle sleeps until the soonest tracked expiry,
// bounded by the configured refresh interval. Refresh failures are
// logged and the loop continues.
func (m *Mirror) Run(ctx context.Context, ownerID int64) error {
	for {
		if _, err := m.RefreshStructures(ctx, ownerID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		wait := m.refreshInterval
		if d, ok := m.NextRefresh(); ok && d < wait {
			wait = d
		}
		if wait < time.Second {
			wait = time.Second
		}

		fired := make(chan struct{})
		timer := m.clock.AfterFunc(wait, func() { close(fired) })
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-fired:
		}
	}
}

// loadStructures restores the persisted snapshots.
func (m *Mirror) loadStructures(ctx context.Context) {
	records, err := m.storage.GetAll(ctx, structuresPartition)
	if err != nil {
		m.logger.Warn(ctx, "loading structure snapshots failed, starting cold",
			observe.Field{Key: "error", Value: err.Error()})
		return
	}

	loaded := make(map[int64][]notify.Structure)
	for _, rec := range records {
		ownerID, err := strconv.ParseInt(rec.Key, 10, 64)
		if err != nil {
			continue
		}
		var snapshot []notify.Structure
		if err := json.Unmarshal(rec.Value, &snapshot); err != nil {
			continue
		}
		loaded[ownerID] = snapshot
	}

	m.mu.Lock()
	m.structures = loaded
	m.mu.Unlock()
}

// persistStructures writes one owner's snapshot through to storage.
func (m *Mirror) persistStructures(ctx context.Context, owner string, snapshot []notify.Structure) {
	value, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.Warn(ctx, "encoding structure snapshot failed",
			observe.Field{Key: "owner", Value: owner},
			observe.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := m.storage.Put(ctx, structuresPartition, storage.Record{Key: owner, Value: value}); err != nil {
		m.logger.Warn(ctx, "persisting structure snapshot failed",
			observe.Field{Key: "owner", Value: owner},
			observe.Field{Key: "error", Value: err.Error()})
	}
}
