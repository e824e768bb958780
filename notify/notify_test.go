package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/storage"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) AddNotification(ctx context.Context, alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) delivered() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func newTestNotifier(t *testing.T, backing storage.Store) (*Notifier, *recordingSink, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2023, 12, 20, 12, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	n := New(Config{Sink: sink, Storage: backing, Clock: fake})
	return n, sink, fake
}

func TestProcessChanges_EmptyPreviousIsBaseline(t *testing.T) {
	n, sink, fake := newTestNotifier(t, nil)
	ctx := context.Background()

	current := []Structure{
		{ID: 100, Name: "Citadel", State: "armor_reinforce", StateTimerEnd: fake.Now().Add(24 * time.Hour)},
		{ID: 101, Name: "Refinery", FuelExpires: fake.Now().Add(10 * time.Hour)},
	}
	n.ProcessChanges(ctx, nil, current)

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("alerts = %+v, want none on first observation", got)
	}
}

func TestProcessChanges_ReinforcedTransition(t *testing.T) {
	n, sink, _ := newTestNotifier(t, nil)
	ctx := context.Background()

	timerEnd := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	previous := []Structure{{ID: 100, Name: "Citadel", State: "shield_vulnerable"}}
	current := []Structure{{ID: 100, Name: "Citadel", State: "armor_reinforce", StateTimerEnd: timerEnd}}

	n.ProcessChanges(ctx, previous, current)

	got := sink.delivered()
	if len(got) != 1 {
		t.Fatalf("alerts = %+v, want exactly one", got)
	}
	if got[0].EventKey != "reinforced:2024-01-01T00:00:00Z" {
		t.Errorf("EventKey = %q", got[0].EventKey)
	}
	if got[0].Type != TypeReinforced || got[0].EntityID != 100 {
		t.Errorf("alert = %+v", got[0])
	}

	// The identical pair is fully suppressed on a repeat call.
	n.ProcessChanges(ctx, previous, current)
	if got := sink.delivered(); len(got) != 1 {
		t.Errorf("alerts after repeat = %d, want 1", len(got))
	}
}

func TestProcessChanges_HullTitleDiffersFromArmor(t *testing.T) {
	n, sink, fake := newTestNotifier(t, nil)
	ctx := context.Background()

	previous := []Structure{{ID: 1, Name: "A", State: "shield_vulnerable"}}
	current := []Structure{{ID: 1, Name: "A", State: "hull_reinforce", StateTimerEnd: fake.Now().Add(time.Hour)}}
	n.ProcessChanges(ctx, previous, current)

	got := sink.delivered()
	if len(got) != 1 || got[0].Title != "Hull reinforced" {
		t.Errorf("alerts = %+v, want one titled \"Hull reinforced\"", got)
	}
}

func TestProcessChanges_NewTimerReAlerts(t *testing.T) {
	n, sink, _ := newTestNotifier(t, nil)
	ctx := context.Background()

	previous := []Structure{{ID: 1, Name: "A", State: "shield_vulnerable"}}
	first := []Structure{{ID: 1, Name: "A", State: "armor_reinforce",
		StateTimerEnd: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}
	n.ProcessChanges(ctx, previous, first)

	// A later reinforcement with a different timer is a new instance.
	second := []Structure{{ID: 1, Name: "A", State: "armor_reinforce",
		StateTimerEnd: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}}
	n.ProcessChanges(ctx, previous, second)

	got := sink.delivered()
	if len(got) != 2 {
		t.Fatalf("alerts = %d, want 2", len(got))
	}
	if got[1].EventKey != "reinforced:2024-02-01T00:00:00Z" {
		t.Errorf("second EventKey = %q", got[1].EventKey)
	}
}

func TestProcessChanges_StayingReinforcedDoesNotAlert(t *testing.T) {
	n, sink, fake := newTestNotifier(t, nil)
	ctx := context.Background()

	reinforced := []Structure{{ID: 1, Name: "A", State: "armor_reinforce", StateTimerEnd: fake.Now().Add(time.Hour)}}
	n.ProcessChanges(ctx, reinforced, reinforced)

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("alerts = %+v, want none when already reinforced", got)
	}
}

func TestProcessChanges_FuelDayBuckets(t *testing.T) {
	n, sink, fake := newTestNotifier(t, nil)
	ctx := context.Background()
	now := fake.Now()

	snapshot := func(hours int) []Structure {
		return []Structure{{ID: 5, Name: "Refinery", State: "shield_vulnerable",
			FuelExpires: now.Add(time.Duration(hours) * time.Hour)}}
	}

	// 80 hours remaining is above the threshold.
	n.ProcessChanges(ctx, snapshot(90), snapshot(80))
	if got := sink.delivered(); len(got) != 0 {
		t.Fatalf("alerts at 80h = %+v, want none", got)
	}

	// 70 hours crosses the threshold into day bucket 2.
	n.ProcessChanges(ctx, snapshot(80), snapshot(70))
	got := sink.delivered()
	if len(got) != 1 || got[0].EventKey != "low-fuel:2" {
		t.Fatalf("alerts at 70h = %+v, want one with key low-fuel:2", got)
	}

	// 69 hours is still bucket 2 and is suppressed.
	n.ProcessChanges(ctx, snapshot(70), snapshot(69))
	if got := sink.delivered(); len(got) != 1 {
		t.Fatalf("alerts at 69h = %d, want still 1", len(got))
	}

	// 47 hours is bucket 1, a new instance.
	n.ProcessChanges(ctx, snapshot(69), snapshot(47))
	got = sink.delivered()
	if len(got) != 2 || got[1].EventKey != "low-fuel:1" {
		t.Errorf("alerts at 47h = %+v, want a second with key low-fuel:1", got)
	}
}

func TestProcessChanges_FuelAlreadyEmptyDoesNotAlert(t *testing.T) {
	n, sink, fake := newTestNotifier(t, nil)
	ctx := context.Background()

	previous := []Structure{{ID: 5, Name: "R", State: "shield_vulnerable"}}
	current := []Structure{{ID: 5, Name: "R", State: "shield_vulnerable",
		FuelExpires: fake.Now().Add(-time.Hour)}}
	n.ProcessChanges(ctx, previous, current)

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("alerts = %+v, want none when fuel already ran out", got)
	}
}

func TestProcessChanges_OnsetTransitions(t *testing.T) {
	n, sink, fake := newTestNotifier(t, nil)
	ctx := context.Background()
	unanchorsAt := fake.Now().Add(7 * 24 * time.Hour)

	previous := []Structure{
		{ID: 1, Name: "A", State: "shield_vulnerable"},
		{ID: 2, Name: "B", State: "shield_vulnerable",
			Services: []Service{{Name: "reprocessing", State: "online"}}},
	}
	current := []Structure{
		{ID: 1, Name: "A", State: "shield_vulnerable", UnanchorsAt: unanchorsAt},
		{ID: 2, Name: "B", State: "shield_vulnerable",
			Services: []Service{{Name: "reprocessing", State: "offline"}}},
	}
	n.ProcessChanges(ctx, previous, current)

	got := sink.delivered()
	if len(got) != 2 {
		t.Fatalf("alerts = %+v, want 2", got)
	}
	byType := make(map[string]Alert)
	for _, a := range got {
		byType[a.Type] = a
	}
	if a, ok := byType[TypeUnanchoring]; !ok || a.EventKey != "unanchoring:"+unanchorsAt.UTC().Format(time.RFC3339) {
		t.Errorf("unanchoring alert = %+v", a)
	}
	if a, ok := byType[TypeServiceOffline]; !ok || a.EventKey != "service-offline:reprocessing" {
		t.Errorf("service alert = %+v", a)
	}

	// Unchanged onset state does not re-alert.
	n.ProcessChanges(ctx, current, current)
	if got := sink.delivered(); len(got) != 2 {
		t.Errorf("alerts after steady state = %d, want still 2", len(got))
	}
}

func TestProcessChanges_NewlyObservedServiceOfflineDoesNotAlert(t *testing.T) {
	n, sink, _ := newTestNotifier(t, nil)
	ctx := context.Background()

	// Entity 9 was not in the previous snapshot; there is no
	// online-to-offline transition to report.
	previous := []Structure{{ID: 1, Name: "A", State: "shield_vulnerable"}}
	current := []Structure{
		{ID: 1, Name: "A", State: "shield_vulnerable"},
		{ID: 9, Name: "New", State: "shield_vulnerable",
			Services: []Service{{Name: "market", State: "offline"}}},
	}
	n.ProcessChanges(ctx, previous, current)

	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("alerts = %+v, want none", got)
	}
}

func TestNotifier_HistoryPersistsAcrossRestart(t *testing.T) {
	backing := storage.NewMemoryStore()
	ctx := context.Background()

	n, sink, _ := newTestNotifier(t, backing)
	previous := []Structure{{ID: 100, Name: "C", State: "shield_vulnerable"}}
	current := []Structure{{ID: 100, Name: "C", State: "armor_reinforce",
		StateTimerEnd: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}
	n.ProcessChanges(ctx, previous, current)
	if len(sink.delivered()) != 1 {
		t.Fatal("expected one alert")
	}

	// Wait for the asynchronous write of the delivered key.
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := backing.GetAll(ctx, DefaultPartition)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("delivered key never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A fresh notifier over the same storage suppresses the same
	// transition.
	fresh, freshSink, _ := newTestNotifier(t, backing)
	fresh.Load(ctx)
	fresh.ProcessChanges(ctx, previous, current)
	if got := freshSink.delivered(); len(got) != 0 {
		t.Errorf("alerts after reload = %+v, want none", got)
	}
}

func TestNotifier_ClearHistoryReArms(t *testing.T) {
	n, sink, _ := newTestNotifier(t, nil)
	ctx := context.Background()

	previous := []Structure{{ID: 100, Name: "C", State: "shield_vulnerable"}}
	current := []Structure{{ID: 100, Name: "C", State: "armor_reinforce",
		StateTimerEnd: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}

	n.ProcessChanges(ctx, previous, current)
	n.ClearHistory(ctx)
	if n.HistoryLen() != 0 {
		t.Fatalf("HistoryLen = %d after clear", n.HistoryLen())
	}
	n.ProcessChanges(ctx, previous, current)

	if got := sink.delivered(); len(got) != 2 {
		t.Errorf("alerts = %d, want re-delivery after history clear", len(got))
	}
}

func TestNotifier_LoadFailureNonFatal(t *testing.T) {
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	n := New(Config{Sink: sink, Storage: failingStore{}, Clock: fake})
	ctx := context.Background()

	n.Load(ctx)

	previous := []Structure{{ID: 1, Name: "A", State: "shield_vulnerable"}}
	current := []Structure{{ID: 1, Name: "A", State: "armor_reinforce",
		StateTimerEnd: fake.Now().Add(time.Hour)}}
	n.ProcessChanges(ctx, previous, current)

	if got := sink.delivered(); len(got) != 1 {
		t.Errorf("alerts = %d, want 1 despite storage failure", len(got))
	}
}

type failingStore struct{}

func (failingStore) GetAll(ctx context.Context, partition string) ([]storage.Record, error) {
	return nil, storage.ErrStorage
}

func (failingStore) Put(ctx context.Context, partition string, rec storage.Record) error {
	return storage.ErrStorage
}

func (failingStore) DeleteBatch(ctx context.Context, partition string, keys []string) error {
	return storage.ErrStorage
}

func (failingStore) Clear(ctx context.Context, partition string) error {
	return storage.ErrStorage
}
