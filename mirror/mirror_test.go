package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stellarops/mirrorsync/clock"
	"github.com/stellarops/mirrorsync/fetch"
	"github.com/stellarops/mirrorsync/notify"
	"github.com/stellarops/mirrorsync/storage"
	"github.com/stellarops/mirrorsync/store"
)

type scriptedResponse struct {
	result fetch.Result
	err    error
}

// scriptedFetcher serves canned responses by endpoint and records
// every request.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses map[string]scriptedResponse
	requests  []fetch.Request
}

func (f *scriptedFetcher) answer(endpoint string, result fetch.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = make(map[string]scriptedResponse)
	}
	f.responses[endpoint] = scriptedResponse{result: result}
}

func (f *scriptedFetcher) fail(endpoint string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = make(map[string]scriptedResponse)
	}
	f.responses[endpoint] = scriptedResponse{err: err}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	return f.FetchPaged(ctx, req)
}

func (f *scriptedFetcher) FetchPaged(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	resp, ok := f.responses[req.Endpoint]
	if !ok {
		return fetch.Result{}, &fetch.HTTPError{Status: 404}
	}
	return resp.result, resp.err
}

func (f *scriptedFetcher) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *scriptedFetcher) lastRequest() fetch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

var _ fetch.Fetcher = (*scriptedFetcher)(nil)

type recordingSink struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (s *recordingSink) AddNotification(ctx context.Context, alert notify.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func structuresJSON(t *testing.T, structures []notify.Structure) []byte {
	t.Helper()
	data, err := json.Marshal(structures)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newTestMirror(t *testing.T, fetcher *scriptedFetcher, backing storage.Store) (*Mirror, *recordingSink, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &recordingSink{}
	m, err := New(Config{
		Fetcher:         fetcher,
		Storage:         backing,
		Sink:            sink,
		RefreshInterval: time.Minute,
		Clock:           fake,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.Init(context.Background())
	return m, sink, fake
}

const structuresEndpoint = "/corporations/7/structures/"

func TestRefreshStructures_FreshSnapshotSkipsNetwork(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	snapshot := []notify.Structure{{ID: 100, Name: "Citadel", State: "shield_vulnerable"}}
	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, snapshot),
		ExpiresAt: fake.Now().Add(5 * time.Minute),
		ETag:      `"v1"`,
	})

	got, err := m.RefreshStructures(ctx, 7)
	if err != nil {
		t.Fatalf("RefreshStructures failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 100 {
		t.Fatalf("structures = %+v", got)
	}

	// While the ledger says fresh, no request is made.
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if fetcher.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", fetcher.requestCount())
	}

	// Past the expiry the next refresh goes to the network with the
	// previous ETag.
	fake.Advance(5 * time.Minute)
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if fetcher.requestCount() != 2 {
		t.Fatalf("requests = %d, want 2", fetcher.requestCount())
	}
	req := fetcher.lastRequest()
	if req.ETag != `"v1"` || !req.RequiresAuth || req.PrincipalID != 7 {
		t.Errorf("request = %+v", req)
	}
}

func TestRefreshStructures_TransitionDeliversOneAlert(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, sink, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	fetcher.answer(structuresEndpoint, fetch.Result{
		Data: structuresJSON(t, []notify.Structure{
			{ID: 100, Name: "Citadel", State: "shield_vulnerable"},
		}),
		ExpiresAt: fake.Now().Add(time.Minute),
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 0 {
		t.Fatalf("alerts on first observation = %d, want 0", sink.count())
	}

	fake.Advance(time.Minute)
	fetcher.answer(structuresEndpoint, fetch.Result{
		Data: structuresJSON(t, []notify.Structure{
			{ID: 100, Name: "Citadel", State: "armor_reinforce",
				StateTimerEnd: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		}),
		ExpiresAt: fake.Now().Add(time.Minute),
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Fatalf("alerts = %d, want 1 after transition", sink.count())
	}

	// The unchanged reinforced state on the next poll does not
	// re-alert.
	fake.Advance(time.Minute)
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Errorf("alerts = %d, want still 1", sink.count())
	}
}

func TestRefreshStructures_NotModifiedKeepsSnapshot(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, sink, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, []notify.Structure{{ID: 100, Name: "C", State: "shield_vulnerable"}}),
		ExpiresAt: fake.Now().Add(time.Minute),
		ETag:      `"v1"`,
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}

	fake.Advance(time.Minute)
	fetcher.answer(structuresEndpoint, fetch.Result{
		NotModified: true,
		ETag:        `"v1"`,
		ExpiresAt:   fake.Now().Add(time.Minute),
	})

	got, err := m.RefreshStructures(ctx, 7)
	if err != nil {
		t.Fatalf("RefreshStructures failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 100 {
		t.Errorf("structures = %+v, want retained snapshot", got)
	}
	if sink.count() != 0 {
		t.Errorf("alerts = %d, want none on 304", sink.count())
	}

	// The 304 renewed the expiry, so the next call skips the network.
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if fetcher.requestCount() != 2 {
		t.Errorf("requests = %d, want 2", fetcher.requestCount())
	}
}

func TestRefreshStructures_FailureReturnsStaleSnapshot(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, []notify.Structure{{ID: 100, Name: "C", State: "shield_vulnerable"}}),
		ExpiresAt: fake.Now().Add(time.Minute),
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}

	fake.Advance(time.Minute)
	fetcher.fail(structuresEndpoint, &fetch.NetworkError{Err: errors.New("connection refused")})

	got, err := m.RefreshStructures(ctx, 7)
	if err == nil {
		t.Fatal("RefreshStructures succeeded, want error")
	}
	if !fetch.IsNetwork(err) {
		t.Errorf("err = %v, want network error", err)
	}
	if len(got) != 1 || got[0].ID != 100 {
		t.Errorf("structures = %+v, want stale snapshot alongside the error", got)
	}
}

func TestOrders_FetchAndCache(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	m.SetRegion(10000002)
	ordersJSON, err := json.Marshal([]Order{
		{OrderID: 1, TypeID: 34, Price: 5.2, VolumeRemain: 1000},
		{OrderID: 2, TypeID: 34, Price: 5.4, VolumeRemain: 500, IsBuyOrder: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	fetcher.answer("/markets/10000002/orders/?type_id=34", fetch.Result{
		Data:      ordersJSON,
		ExpiresAt: fake.Now().Add(5 * time.Minute),
	})

	orders, err := m.Orders(ctx, 34)
	if err != nil {
		t.Fatalf("Orders failed: %v", err)
	}
	if len(orders) != 2 || orders[0].Price != 5.2 {
		t.Fatalf("orders = %+v", orders)
	}
	if got := m.OrderStatus(34); got != store.StatusReady {
		t.Errorf("OrderStatus = %v, want ready", got)
	}

	// A second call is served from the cache.
	if _, err := m.Orders(ctx, 34); err != nil {
		t.Fatal(err)
	}
	if fetcher.requestCount() != 1 {
		t.Errorf("requests = %d, want 1", fetcher.requestCount())
	}
	if _, ok := m.CachedOrders(34); !ok {
		t.Error("CachedOrders missed")
	}
}

func TestNextRefresh_TracksSoonestExpiry(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	if _, ok := m.NextRefresh(); ok {
		t.Fatal("NextRefresh reported a wait with an empty ledger")
	}

	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, []notify.Structure{{ID: 1, Name: "C", State: "shield_vulnerable"}}),
		ExpiresAt: fake.Now().Add(3 * time.Minute),
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}

	wait, ok := m.NextRefresh()
	if !ok || wait != 3*time.Minute {
		t.Errorf("NextRefresh = (%v, %v), want 3m", wait, ok)
	}
}

func TestMirror_StatePersistsAcrossRestart(t *testing.T) {
	backing := storage.NewMemoryStore()
	ctx := context.Background()

	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, backing)
	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, []notify.Structure{{ID: 100, Name: "C", State: "shield_vulnerable"}}),
		ExpiresAt: fake.Now().Add(time.Hour),
		ETag:      `"v1"`,
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}

	// Wait for the snapshot and ledger writes to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snaps, err := backing.GetAll(ctx, structuresPartition)
		if err != nil {
			t.Fatal(err)
		}
		exps, err := backing.GetAll(ctx, "expiries")
		if err != nil {
			t.Fatal(err)
		}
		if len(snaps) == 1 && len(exps) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persistence incomplete: %d snapshots, %d expiries", len(snaps), len(exps))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A fresh mirror over the same storage serves the snapshot without
	// any network access.
	freshFetcher := &scriptedFetcher{}
	fresh, _, _ := newTestMirror(t, freshFetcher, backing)

	got, ok := fresh.Structures(7)
	if !ok || len(got) != 1 || got[0].ID != 100 {
		t.Fatalf("Structures after restart = (%+v, %v)", got, ok)
	}
	if _, err := fresh.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if freshFetcher.requestCount() != 0 {
		t.Errorf("requests after restart = %d, want 0 while fresh", freshFetcher.requestCount())
	}
}

func TestForgetOwner(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, nil)
	ctx := context.Background()

	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, []notify.Structure{{ID: 100, Name: "C", State: "shield_vulnerable"}}),
		ExpiresAt: fake.Now().Add(time.Hour),
	})
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}

	m.ForgetOwner(ctx, 7)
	if _, ok := m.Structures(7); ok {
		t.Error("snapshot survived ForgetOwner")
	}

	// The next refresh must hit the network again.
	if _, err := m.RefreshStructures(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if fetcher.requestCount() != 2 {
		t.Errorf("requests = %d, want 2", fetcher.requestCount())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	fetcher := &scriptedFetcher{}
	m, _, fake := newTestMirror(t, fetcher, nil)

	fetcher.answer(structuresEndpoint, fetch.Result{
		Data:      structuresJSON(t, []notify.Structure{{ID: 1, Name: "C", State: "shield_vulnerable"}}),
		ExpiresAt: fake.Now().Add(time.Hour),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 7) }()

	// Let the first cycle complete, then cancel.
	deadline := time.Now().Add(2 * time.Second)
	for fetcher.requestCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first refresh never ran")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestNew_RequiresFetcher(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoFetcher) {
		t.Errorf("err = %v, want ErrNoFetcher", err)
	}
}
