package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/observe"
	"github.com/stellarops/mirrorsync/storage"
)

// DefaultPartition is the storage partition for delivered event keys.
const DefaultPartition = "notified"

// FuelAlertThreshold is the remaining-fuel window that triggers
// low-fuel alerts.
const FuelAlertThreshold = 72 * time.Hour

// Config configures a Notifier.
type Config struct {
	// Sink receives deduplicated alerts. Required.
	Sink Sink

	// Storage persists delivered event keys across restarts.
	// Optional; without it deduplication is in-memory only.
	Storage storage.Store

	// Partition is the storage partition for delivered keys.
	// Default: DefaultPartition
	Partition string

	// Clock provides the current time. If nil, the system clock is used.
	Clock clock.Clock

	// Logger receives diagnostics. If nil, logging is disabled.
	Logger observe.Logger

	// Metrics records delivered alerts. If nil, metrics are disabled.
	Metrics observe.Metrics
}

// Notifier derives transition alerts from consecutive structure
// snapshots. Safe for concurrent use.
type Notifier struct {
	sink      Sink
	storage   storage.Store
	partition string
	clock     clock.Clock
	logger    observe.Logger
	metrics   observe.Metrics

	mu       sync.Mutex
	notified map[string]bool
}

// New creates a Notifier. Call Load to restore delivered keys from
// storage before processing snapshots.
func New(cfg Config) *Notifier {
	if cfg.Partition == "" {
		cfg.Partition = DefaultPartition
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

	return &Notifier{
		sink:      cfg.Sink,
		storage:   cfg.Storage,
		partition: cfg.Partition,
		clock:     cfg.Clock,
		logger:    cfg.Logger.WithComponent("notify"),
		metrics:   cfg.Metrics,
		notified:  make(map[string]bool),
	}
}

// Load restores delivered event keys from storage. A storage failure
// is logged and leaves the notifier usable with an empty history.
func (n *Notifier) Load(ctx context.Context) {
	if n.storage == nil {
		return
	}

	records, err := n.storage.GetAll(ctx, n.partition)
	if err != nil {
		n.logger.Warn(ctx, "loading notification history failed, starting empty",
			observe.Field{Key: "error", Value: err.Error()})
		return
	}

	n.mu.Lock()
	for _, rec := range records {
		n.notified[rec.Key] = true
	}
	count := len(n.notified)
	n.mu.Unlock()

	n.logger.Debug(ctx, "notification history loaded",
		observe.Field{Key: "count", Value: count})
}

// ProcessChanges evaluates the transition predicates for every current
// structure against its previous observation and delivers each new
// alert exactly once. An empty previous snapshot establishes the
// baseline and never alerts. Repeated calls with identical snapshots
// deliver nothing beyond the first call.
func (n *Notifier) ProcessChanges(ctx context.Context, previous, current []Structure) {
	if len(previous) == 0 {
		return
	}

	prev := make(map[int64]Structure, len(previous))
	for _, p := range previous {
		prev[p.ID] = p
	}

	now := n.clock.Now()
	for _, cur := range current {
		p, seen := prev[cur.ID]
		for _, alert := range evaluate(cur, p, seen, now) {
			n.deliver(ctx, alert)
		}
	}
}

// ClearHistory forgets every delivered event key, in memory and in
// storage. Subsequent snapshots may re-deliver previously seen alerts.
func (n *Notifier) ClearHistory(ctx context.Context) {
	n.mu.Lock()
	n.notified = make(map[string]bool)
	n.mu.Unlock()

	if n.storage == nil {
		return
	}
	go func() {
		ctx := context.WithoutCancel(ctx)
		if err := n.storage.Clear(ctx, n.partition); err != nil {
			n.logger.Warn(ctx, "clearing notification history failed",
				observe.Field{Key: "error", Value: err.Error()})
		}
	}()
}

// HistoryLen returns the number of remembered delivered keys.
func (n *Notifier) HistoryLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notified)
}

// deliver hands the alert to the sink unless its entity+event key has
// already been delivered.
func (n *Notifier) deliver(ctx context.Context, alert Alert) {
	key := fmt.Sprintf("%d:%s", alert.EntityID, alert.EventKey)

	n.mu.Lock()
	if n.notified[key] {
		n.mu.Unlock()
		return
	}
	n.notified[key] = true
	n.mu.Unlock()

	if n.storage != nil {
		go func() {
			ctx := context.WithoutCancel(ctx)
			rec := storage.Record{Key: key, Value: []byte(n.clock.Now().UTC().Format(time.RFC3339))}
			if err := n.storage.Put(ctx, n.partition, rec); err != nil {
				n.logger.Warn(ctx, "persisting delivered key failed",
					observe.Field{Key: "key", Value: key},
					observe.Field{Key: "error", Value: err.Error()})
			}
		}()
	}

	if n.sink != nil {
		n.sink.AddNotification(ctx, alert)
	}
	n.metrics.RecordAlert(ctx, alert.Type)
	n.logger.Info(ctx, "alert delivered",
		observe.Field{Key: "type", Value: alert.Type},
		observe.Field{Key: "entity_id", Value: alert.EntityID},
		observe.Field{Key: "event_key", Value: alert.EventKey})
}

// evaluate runs every transition predicate for one structure. seen is
// false when the structure is newly observed.
func evaluate(cur, prev Structure, seen bool, now time.Time) []Alert {
	var alerts []Alert

	if a, ok := stateEntryAlert(cur, prev, seen, reinforcedStates, "reinforced", TypeReinforced, "reinforced"); ok {
		alerts = append(alerts, a)
	}
	if a, ok := stateEntryAlert(cur, prev, seen, vulnerableStates, "vulnerable", TypeVulnerable, "vulnerable"); ok {
		alerts = append(alerts, a)
	}
	if a, ok := fuelAlert(cur, now); ok {
		alerts = append(alerts, a)
	}
	if a, ok := anchoringAlert(cur, prev, seen); ok {
		alerts = append(alerts, a)
	}
	if a, ok := unanchoringAlert(cur, prev, seen); ok {
		alerts = append(alerts, a)
	}
	alerts = append(alerts, serviceAlerts(cur, prev, seen)...)

	return alerts
}

// stateEntryAlert fires when the structure enters a target state
// family it was not in on the previous observation. The event key is
// anchored to the state timer end so each new timer alerts once.
func stateEntryAlert(cur, prev Structure, seen bool, family map[string]bool, keyPrefix, alertType, word string) (Alert, bool) {
	if !family[cur.State] {
		return Alert{}, false
	}
	if seen && family[prev.State] {
		return Alert{}, false
	}

	layer := "Armor"
	if cur.State == "hull_reinforce" || cur.State == "hull_vulnerable" {
		layer = "Hull"
	}

	key := keyPrefix
	if !cur.StateTimerEnd.IsZero() {
		key = keyPrefix + ":" + cur.StateTimerEnd.UTC().Format(time.RFC3339)
	}
	return Alert{
		Type:     alertType,
		Title:    layer + " " + word,
		Message:  fmt.Sprintf("%s is %s (%s)", cur.Name, word, cur.State),
		EntityID: cur.ID,
		EventKey: key,
	}, true
}

// fuelAlert fires while remaining fuel is inside the alert window.
// The event key buckets remaining time into whole days so the alert
// re-fires once per day boundary rather than on every poll.
func fuelAlert(cur Structure, now time.Time) (Alert, bool) {
	if cur.FuelExpires.IsZero() {
		return Alert{}, false
	}
	remaining := cur.FuelExpires.Sub(now)
	if remaining <= 0 || remaining >= FuelAlertThreshold {
		return Alert{}, false
	}

	bucket := int(remaining.Hours()) / 24
	return Alert{
		Type:     TypeLowFuel,
		Title:    "Low fuel",
		Message:  fmt.Sprintf("%s runs out of fuel in about %d hours", cur.Name, int(remaining.Hours())),
		EntityID: cur.ID,
		EventKey: fmt.Sprintf("low-fuel:%d", bucket),
	}, true
}

// anchoringAlert fires when anchoring begins.
func anchoringAlert(cur, prev Structure, seen bool) (Alert, bool) {
	if cur.State != "anchoring" {
		return Alert{}, false
	}
	if seen && prev.State == "anchoring" {
		return Alert{}, false
	}

	key := "anchoring"
	if !cur.StateTimerEnd.IsZero() {
		key = "anchoring:" + cur.StateTimerEnd.UTC().Format(time.RFC3339)
	}
	return Alert{
		Type:     TypeAnchoring,
		Title:    "Anchoring started",
		Message:  fmt.Sprintf("%s has started anchoring", cur.Name),
		EntityID: cur.ID,
		EventKey: key,
	}, true
}

// unanchoringAlert fires when an unanchor timestamp appears or moves.
func unanchoringAlert(cur, prev Structure, seen bool) (Alert, bool) {
	if cur.UnanchorsAt.IsZero() {
		return Alert{}, false
	}
	if seen && prev.UnanchorsAt.Equal(cur.UnanchorsAt) {
		return Alert{}, false
	}

	return Alert{
		Type:     TypeUnanchoring,
		Title:    "Unanchoring started",
		Message:  fmt.Sprintf("%s unanchors at %s", cur.Name, cur.UnanchorsAt.UTC().Format(time.RFC3339)),
		EntityID: cur.ID,
		EventKey: "unanchoring:" + cur.UnanchorsAt.UTC().Format(time.RFC3339),
	}, true
}

// serviceAlerts fires for each sub-service that went from online on
// the previous observation to offline on the current one.
func serviceAlerts(cur, prev Structure, seen bool) []Alert {
	if !seen {
		return nil
	}

	prevState := make(map[string]string, len(prev.Services))
	for _, svc := range prev.Services {
		prevState[svc.Name] = svc.State
	}

	var alerts []Alert
	for _, svc := range cur.Services {
		if svc.State != "offline" || prevState[svc.Name] != "online" {
			continue
		}
		alerts = append(alerts, Alert{
			Type:     TypeServiceOffline,
			Title:    "Service offline",
			Message:  fmt.Sprintf("%s on %s went offline", svc.Name, cur.Name),
			EntityID: cur.ID,
			EventKey: "service-offline:" + svc.Name,
		})
	}
	return alerts
}
