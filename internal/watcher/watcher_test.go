package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
	"github.com/fliqwatch/fliqwatch/internal/pkg/storage"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]storage.SeenRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]storage.SeenRecord)}
}

func (s *memStore) IsSeen(ctx context.Context, key, version string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	return ok && rec.Version == version, nil
}

func (s *memStore) MarkSeen(ctx context.Context, rec storage.SeenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Key()] = rec
	return nil
}

func (s *memStore) All(ctx context.Context) (map[string]storage.SeenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]storage.SeenRecord, len(s.recs))
	for k, v := range s.recs {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, key)
	return nil
}

func (s *memStore) Close() error { return nil }

type fakeSource struct {
	mu   sync.Mutex
	snap map[string]models.Market
	err  error
}

func (f *fakeSource) Snapshot(ctx context.Context) (map[string]models.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]models.Market, len(f.snap))
	for k, v := range f.snap {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) MarketURL(m models.Market) string {
	return "https://example.test/" + m.Slug
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []string
	announced []string
	failTimes int // fail this many NotifyMarket calls before succeeding
	failWith  error
}

func (f *fakeNotifier) NotifyMarket(ctx context.Context, m models.Market, link string, updated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes != 0 {
		if f.failTimes > 0 {
			f.failTimes--
		}
		if f.failWith != nil {
			return f.failWith
		}
		return &models.DispatchError{Err: errors.New("telegram down")}
	}
	f.sent = append(f.sent, m.Key())
	return nil
}

func (f *fakeNotifier) Announce(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, text)
	return nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testMarket(header string, endTS int64) models.Market {
	return models.Market{
		MatchHeader:     header,
		Slug:            "slug-" + header,
		MultiQuestionID: "42",
		EndTime:         endTS,
		EndTimeISO:      time.Unix(endTS, 0).UTC().Format("2006-01-02T15:04:05Z"),
		Approved:        true,
		Options: []models.MarketOption{
			{QuestionID: "q1", Title: header + " wins", YesTokenMarketID: "1", NoTokenMarketID: "2", Tradable: true},
		},
	}
}

func testConfig() *config.WatcherConfig {
	return &config.WatcherConfig{
		PollInterval:        time.Minute,
		HeartbeatEnabled:    false,
		MaxDispatchAttempts: 3,
		DispatchWorkers:     1,
	}
}

func newTestWatcher(cfg *config.WatcherConfig, src *fakeSource, store storage.SeenStore, n Notifier) *Watcher {
	return New(cfg, src, store, n, NewRemovedLog(""))
}

func TestRunCycle_DispatchesNewMarketExactlyOnce(t *testing.T) {
	src := &fakeSource{snap: map[string]models.Market{
		"A vs B": testMarket("A vs B", 100),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if got := notifier.sentCount(); got != 1 {
		t.Fatalf("first cycle sent %d alerts, want 1", got)
	}
	seen, _ := store.All(context.Background())
	if _, ok := seen["A vs B"]; !ok {
		t.Fatalf("market not marked seen after successful dispatch")
	}

	// Identical snapshot: idempotent, zero additional dispatches.
	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := notifier.sentCount(); got != 1 {
		t.Errorf("second cycle sent %d additional alerts, want 0", got-1)
	}
}

func TestRunCycle_TransientDispatchFailureRetriesNextCycle(t *testing.T) {
	src := &fakeSource{snap: map[string]models.Market{
		"A vs B": testMarket("A vs B", 100),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{failTimes: 1}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	seen, _ := store.All(context.Background())
	if len(seen) != 0 {
		t.Fatalf("failed dispatch must leave market unseen, got %d records", len(seen))
	}

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := notifier.sentCount(); got != 1 {
		t.Fatalf("retry cycle sent %d alerts, want 1", got)
	}
	seen, _ = store.All(context.Background())
	if rec, ok := seen["A vs B"]; !ok || rec.Skipped {
		t.Errorf("market should be seen and not skipped after retry, got %+v", rec)
	}
}

func TestRunCycle_SourceUnavailableDoesNotCrash(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("%w: connection refused", models.ErrSourceUnavailable)}
	store := newMemStore()
	notifier := &fakeNotifier{}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("source outage must not fail the cycle: %v", err)
	}
	if notifier.sentCount() != 0 {
		t.Errorf("no alerts expected during outage")
	}

	// Source recovers; the next cycle proceeds normally.
	src.mu.Lock()
	src.err = nil
	src.snap = map[string]models.Market{"A vs B": testMarket("A vs B", 100)}
	src.mu.Unlock()

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if got := notifier.sentCount(); got != 1 {
		t.Errorf("recovery cycle sent %d alerts, want 1", got)
	}
}

func TestRunCycle_PoisonMarketSkippedAfterRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDispatchAttempts = 2

	src := &fakeSource{snap: map[string]models.Market{
		"A vs B": testMarket("A vs B", 100),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{failTimes: -1} // fail forever
	w := newTestWatcher(cfg, src, store, notifier)

	// Attempt 1: transient failure, stays unseen.
	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	seen, _ := store.All(context.Background())
	if len(seen) != 0 {
		t.Fatalf("market skipped too early")
	}

	// Attempt 2: budget exhausted, marked seen as skipped.
	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	seen, _ = store.All(context.Background())
	rec, ok := seen["A vs B"]
	if !ok || !rec.Skipped {
		t.Fatalf("poison market should be marked seen with Skipped, got %+v", rec)
	}

	// Cycle 3: no further dispatch attempts for the skipped market.
	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle 3: %v", err)
	}
	if notifier.sentCount() != 0 {
		t.Errorf("skipped market must not be dispatched again")
	}
}

func TestRunCycle_PermanentFailureSkipsImmediately(t *testing.T) {
	src := &fakeSource{snap: map[string]models.Market{
		"A vs B": testMarket("A vs B", 100),
	}}
	store := newMemStore()
	notifier := &fakeNotifier{
		failTimes: -1,
		failWith:  &models.DispatchError{Permanent: true, Err: errors.New("chat not found")},
	}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	seen, _ := store.All(context.Background())
	if rec, ok := seen["A vs B"]; !ok || !rec.Skipped {
		t.Errorf("permanent failure should skip on first attempt, got %+v", rec)
	}
}

func TestRunCycle_MalformedMarketSkippedWithoutDispatch(t *testing.T) {
	bad := testMarket("A vs B", 100)
	bad.Options = nil
	src := &fakeSource{snap: map[string]models.Market{"A vs B": bad}}
	store := newMemStore()
	notifier := &fakeNotifier{}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if notifier.sentCount() != 0 {
		t.Errorf("malformed market must not reach the notifier")
	}
	seen, _ := store.All(context.Background())
	if rec, ok := seen["A vs B"]; !ok || !rec.Skipped {
		t.Errorf("malformed market should be recorded as skipped, got %+v", rec)
	}
}

func TestRunCycle_VersionAdvanceRedispatches(t *testing.T) {
	m := testMarket("A vs B", 100)
	src := &fakeSource{snap: map[string]models.Market{"A vs B": m}}
	store := newMemStore()
	notifier := &fakeNotifier{}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	seen, _ := store.All(context.Background())
	first := seen["A vs B"].FirstDetectedAt
	if first.IsZero() {
		t.Fatalf("FirstDetectedAt not set on initial dispatch")
	}

	// The market's end time moves: version advances, alert goes out again,
	// first-detected timestamp survives.
	updated := m
	updated.EndTime = 200
	src.mu.Lock()
	src.snap["A vs B"] = updated
	src.mu.Unlock()

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if got := notifier.sentCount(); got != 2 {
		t.Fatalf("version advance should re-dispatch, got %d sends", got)
	}
	seen, _ = store.All(context.Background())
	rec := seen["A vs B"]
	if !rec.FirstDetectedAt.Equal(first) {
		t.Errorf("FirstDetectedAt changed on update: was %v, now %v", first, rec.FirstDetectedAt)
	}
	if rec.Version != updated.Version() {
		t.Errorf("stored version not advanced")
	}
}

func TestRunCycle_HeartbeatWhenNothingNew(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatEnabled = true
	cfg.HeartbeatText = "CHECK no new Match Result matches"

	src := &fakeSource{snap: map[string]models.Market{}}
	notifier := &fakeNotifier{}
	w := newTestWatcher(cfg, src, newMemStore(), notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.announced) != 1 || notifier.announced[0] != cfg.HeartbeatText {
		t.Errorf("expected one heartbeat %q, got %v", cfg.HeartbeatText, notifier.announced)
	}
}

func TestRunOnce_ProcessesRemovals(t *testing.T) {
	store := newMemStore()
	gone := testMarket("Gone vs Match", 50)
	_ = store.MarkSeen(context.Background(), storage.SeenRecord{
		Market:  gone,
		Version: gone.Version(),
	})

	src := &fakeSource{snap: map[string]models.Market{}}
	notifier := &fakeNotifier{}
	w := newTestWatcher(testConfig(), src, store, notifier)

	if err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	seen, _ := store.All(context.Background())
	if len(seen) != 0 {
		t.Errorf("removed market should be deleted from store, still have %d", len(seen))
	}
	if w.State() != StateTerminated {
		t.Errorf("state after RunOnce = %v, want terminated", w.State())
	}
}

func TestValidate_RemovesAndRefreshes(t *testing.T) {
	store := newMemStore()

	kept := testMarket("Kept vs Match", 100)
	refreshed := kept
	refreshed.EndTime = 300
	gone := testMarket("Gone vs Match", 50)

	_ = store.MarkSeen(context.Background(), storage.SeenRecord{
		Market: kept, Version: kept.Version(), FirstDetectedAt: time.Unix(10, 0).UTC(),
	})
	_ = store.MarkSeen(context.Background(), storage.SeenRecord{
		Market: gone, Version: gone.Version(),
	})

	src := &fakeSource{snap: map[string]models.Market{
		"Kept vs Match": refreshed,
	}}
	notifier := &fakeNotifier{}
	w := newTestWatcher(testConfig(), src, store, notifier)

	summary := w.validate(context.Background())
	if summary == "" {
		t.Fatalf("expected a validation summary")
	}

	seen, _ := store.All(context.Background())
	if _, ok := seen["Gone vs Match"]; ok {
		t.Errorf("vanished market should be removed during validation")
	}
	rec, ok := seen["Kept vs Match"]
	if !ok {
		t.Fatalf("surviving market dropped during validation")
	}
	if rec.Version != refreshed.Version() {
		t.Errorf("validation did not refresh the stored version")
	}
	if !rec.FirstDetectedAt.Equal(time.Unix(10, 0).UTC()) {
		t.Errorf("validation lost FirstDetectedAt")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.announced) != 1 {
		t.Fatalf("expected one summary announcement, got %d", len(notifier.announced))
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond

	src := &fakeSource{snap: map[string]models.Market{}}
	w := newTestWatcher(cfg, src, newMemStore(), &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("graceful shutdown should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watcher did not stop after cancellation")
	}
	if w.State() != StateTerminated {
		t.Errorf("state after shutdown = %v, want terminated", w.State())
	}
}

func TestDispatchAll_ParallelWorkersMarkEachSeen(t *testing.T) {
	cfg := testConfig()
	cfg.DispatchWorkers = 4

	snap := make(map[string]models.Market)
	for i := 0; i < 10; i++ {
		h := fmt.Sprintf("Match %02d", i)
		snap[h] = testMarket(h, int64(100+i))
	}
	src := &fakeSource{snap: snap}
	store := newMemStore()
	notifier := &fakeNotifier{}
	w := newTestWatcher(cfg, src, store, notifier)

	if err := w.runCycle(context.Background(), runModeLoop); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if got := notifier.sentCount(); got != 10 {
		t.Errorf("sent %d alerts, want 10", got)
	}
	seen, _ := store.All(context.Background())
	if len(seen) != 10 {
		t.Errorf("marked %d seen, want 10", len(seen))
	}
}
