package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
	"github.com/fliqwatch/fliqwatch/internal/pkg/health"
	"github.com/fliqwatch/fliqwatch/internal/pkg/metrics"
	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
	"github.com/fliqwatch/fliqwatch/internal/pkg/storage"
)

// State is the observable lifecycle state of the watch loop.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Source provides the live market snapshot and shareable links.
type Source interface {
	Snapshot(ctx context.Context) (map[string]models.Market, error)
	MarketURL(m models.Market) string
}

// Watcher runs the fetch → detect → dispatch → persist cycle. One cycle runs
// to completion before the next begins; there is no cross-cycle concurrency.
type Watcher struct {
	cfg      *config.WatcherConfig
	source   Source
	store    storage.SeenStore
	notifier Notifier
	removed  *RemovedLog

	state  atomic.Int32
	cycles atomic.Int64

	mu          sync.Mutex
	lastCycleAt time.Time

	// attempts counts consecutive dispatch failures per market key so a
	// poison market is skipped after a bounded number of retries.
	attemptsMu sync.Mutex
	attempts   map[string]int

	// validateCh carries forced-validation requests from the bot; they are
	// served between cycles so the single-cycle invariant holds.
	validateCh chan chan string

	now func() time.Time
}

func New(cfg *config.WatcherConfig, source Source, store storage.SeenStore, notifier Notifier, removed *RemovedLog) *Watcher {
	return &Watcher{
		cfg:        cfg,
		source:     source,
		store:      store,
		notifier:   notifier,
		removed:    removed,
		attempts:   make(map[string]int),
		validateCh: make(chan chan string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

// Run executes the watch loop until ctx is cancelled. It returns nil on
// graceful shutdown; the process maps that to exit code 0.
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("Watcher started",
		"poll_interval", w.cfg.PollInterval,
		"validation_interval", w.cfg.ValidationInterval,
		"heartbeat", w.cfg.HeartbeatEnabled)

	lastValidation := w.now()
	if w.cfg.ValidationInterval > 0 {
		w.validate(ctx)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.runCycle(ctx, runModeLoop); err != nil && ctx.Err() == nil {
			slog.Error("Watch cycle failed", "error", err)
		}

		if w.cfg.ValidationInterval > 0 && w.now().Sub(lastValidation) >= w.cfg.ValidationInterval {
			slog.Info("Running periodic validation")
			w.validate(ctx)
			lastValidation = w.now()
		}

		select {
		case <-ctx.Done():
			w.setState(StateShuttingDown)
			slog.Info("Watcher shutting down")
			w.setState(StateTerminated)
			return nil
		case respCh := <-w.validateCh:
			respCh <- w.validate(ctx)
		case <-ticker.C:
		}
	}
}

// runMode distinguishes the long-running loop from the single cron-style run.
// The single run also processes removals (there is no later validation pass to
// pick them up) and never heartbeats.
type runMode int

const (
	runModeLoop runMode = iota
	runModeSingle
)

// RunOnce performs a single cycle including removed-market processing, then
// returns. This is the cron mode.
func (w *Watcher) RunOnce(ctx context.Context) error {
	slog.Info("Single run start")
	err := w.runCycle(ctx, runModeSingle)
	w.setState(StateTerminated)
	slog.Info("Single run done")
	return err
}

func (w *Watcher) runCycle(ctx context.Context, mode runMode) error {
	start := w.now()
	metrics.CyclesTotal.Inc()
	w.setState(StatePolling)
	defer w.setState(StateIdle)

	live, err := w.source.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, models.ErrSourceUnavailable) {
			// Transient: log and wait for the next interval instead of dying.
			metrics.FetchFailuresTotal.Inc()
			slog.Error("Fetch failed, waiting for next interval", "error", err)
			return nil
		}
		return fmt.Errorf("snapshot: %w", err)
	}

	seen, err := w.store.All(ctx)
	if err != nil {
		return fmt.Errorf("load seen records: %w", err)
	}

	changes := DetectChanges(live, seen)
	metrics.MarketsDetectedTotal.WithLabelValues("new").Add(float64(len(changes.New)))
	metrics.MarketsDetectedTotal.WithLabelValues("updated").Add(float64(len(changes.Updated)))
	metrics.MarketsDetectedTotal.WithLabelValues("removed").Add(float64(len(changes.Removed)))

	w.setState(StateDispatching)
	sent, failed, skipped := w.dispatchAll(ctx, changes)

	if mode == runModeSingle {
		w.processRemovals(ctx, changes.Removed, "no longer present in live snapshot")
	}

	if len(changes.New) == 0 && len(changes.Updated) == 0 {
		slog.Info("No new markets", "tracked", len(seen))
		if mode == runModeLoop && w.cfg.HeartbeatEnabled && ctx.Err() == nil {
			if err := w.notifier.Announce(ctx, w.cfg.HeartbeatText); err != nil {
				slog.Warn("Failed sending heartbeat", "error", err)
			}
		}
	} else {
		slog.Info("Cycle dispatched",
			"new", len(changes.New), "updated", len(changes.Updated),
			"sent", sent, "failed", failed, "skipped", skipped)
	}

	if all, err := w.store.All(ctx); err == nil {
		metrics.MarketsTracked.Set(float64(len(all)))
	}

	w.cycles.Add(1)
	w.mu.Lock()
	w.lastCycleAt = w.now()
	w.mu.Unlock()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	return nil
}

type dispatchJob struct {
	market  models.Market
	updated bool
}

// dispatchAll delivers alerts for new and updated markets. With more than one
// worker, markets are processed in parallel; each MarkSeen is independent, so
// ordering between different markets' side effects is not needed.
// Cancellation is honored between markets, never mid-dispatch.
func (w *Watcher) dispatchAll(ctx context.Context, changes ChangeSet) (sent, failed, skipped int) {
	jobs := make([]dispatchJob, 0, len(changes.New)+len(changes.Updated))
	for _, m := range changes.New {
		jobs = append(jobs, dispatchJob{market: m})
	}
	for _, m := range changes.Updated {
		jobs = append(jobs, dispatchJob{market: m, updated: true})
	}
	if len(jobs) == 0 {
		return 0, 0, 0
	}

	workers := w.cfg.DispatchWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan dispatchJob)
	results := make(chan string, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				results <- w.dispatchOne(ctx, job.market, job.updated)
			}
		}()
	}

feed:
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			break feed
		case jobCh <- job:
		}
	}
	close(jobCh)
	wg.Wait()
	close(results)

	for outcome := range results {
		switch outcome {
		case "sent":
			sent++
		case "failed":
			failed++
		case "skipped":
			skipped++
		}
	}
	return sent, failed, skipped
}

// dispatchOne delivers one alert and marks the market seen only after the
// notifier confirmed delivery. Returns "sent", "failed" or "skipped".
func (w *Watcher) dispatchOne(ctx context.Context, m models.Market, updated bool) string {
	key := m.Key()
	version := m.Version()

	if len(m.Options) == 0 {
		slog.Warn("Skipping malformed market without options", "match", key)
		w.markSkipped(ctx, m, version)
		return "skipped"
	}

	if m.FirstDetectedAt.IsZero() {
		m.FirstDetectedAt = w.now()
	}

	link := w.source.MarketURL(m)
	if err := w.notifier.NotifyMarket(ctx, m, link, updated); err != nil {
		if models.IsPermanentDispatch(err) {
			slog.Warn("Dispatch failed permanently, skipping market", "match", key, "error", err)
			w.markSkipped(ctx, m, version)
			return "skipped"
		}

		attempts := w.bumpAttempts(key)
		if attempts >= w.cfg.MaxDispatchAttempts {
			slog.Warn("Dispatch retry budget exhausted, skipping market",
				"match", key, "attempts", attempts, "error", err)
			w.clearAttempts(key)
			w.markSkipped(ctx, m, version)
			return "skipped"
		}

		metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		slog.Warn("Dispatch failed, will retry next cycle",
			"match", key, "attempt", attempts, "error", err)
		return "failed"
	}

	w.clearAttempts(key)
	rec := storage.SeenRecord{
		Market:          m,
		Version:         version,
		FirstDetectedAt: m.FirstDetectedAt,
		DispatchedAt:    w.now(),
	}
	if err := w.store.MarkSeen(ctx, rec); err != nil {
		// The alert went out but the mark did not stick; the market stays
		// unseen and is re-delivered next cycle (at-least-once).
		slog.Error("Failed to mark market seen", "match", key, "error", err)
		return "failed"
	}

	metrics.DispatchesTotal.WithLabelValues("sent").Inc()
	slog.Info("Alert sent", "match", key, "updated", updated)
	return "sent"
}

func (w *Watcher) markSkipped(ctx context.Context, m models.Market, version string) {
	metrics.DispatchesTotal.WithLabelValues("skipped").Inc()
	if m.FirstDetectedAt.IsZero() {
		m.FirstDetectedAt = w.now()
	}
	rec := storage.SeenRecord{
		Market:          m,
		Version:         version,
		FirstDetectedAt: m.FirstDetectedAt,
		Skipped:         true,
	}
	if err := w.store.MarkSeen(ctx, rec); err != nil {
		slog.Error("Failed to mark skipped market seen", "match", m.Key(), "error", err)
	}
}

func (w *Watcher) bumpAttempts(key string) int {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	w.attempts[key]++
	return w.attempts[key]
}

func (w *Watcher) clearAttempts(key string) {
	w.attemptsMu.Lock()
	defer w.attemptsMu.Unlock()
	delete(w.attempts, key)
}

func (w *Watcher) processRemovals(ctx context.Context, removed []storage.SeenRecord, reason string) {
	for _, rec := range removed {
		w.removed.Append(rec.Key(), reason)
		if err := w.store.Delete(ctx, rec.Key()); err != nil {
			slog.Error("Failed to delete removed market", "match", rec.Key(), "error", err)
			continue
		}
		slog.Info("Market removed", "match", rec.Key(), "reason", reason)
	}
}

// validate reconciles the seen store against a fresh snapshot: drops markets
// that are gone or no longer approved, refreshes records whose version
// advanced, and announces a summary. Returns the summary text ("" when the
// store was already consistent or the fetch failed).
func (w *Watcher) validate(ctx context.Context) string {
	live, err := w.source.Snapshot(ctx)
	if err != nil {
		slog.Error("Validation fetch failed", "error", err)
		return ""
	}

	seen, err := w.store.All(ctx)
	if err != nil {
		slog.Error("Validation failed to load seen records", "error", err)
		return ""
	}

	var removedKeys, updatedKeys []string
	for key, rec := range seen {
		m, ok := live[key]
		if !ok {
			w.removed.Append(key, "no longer approved/present")
			if err := w.store.Delete(ctx, key); err != nil {
				slog.Error("Validation failed to delete market", "match", key, "error", err)
				continue
			}
			removedKeys = append(removedKeys, key)
			continue
		}
		if rec.Version != m.Version() {
			m.FirstDetectedAt = rec.FirstDetectedAt
			rec.Market = m
			rec.Version = m.Version()
			if err := w.store.MarkSeen(ctx, rec); err != nil {
				slog.Error("Validation failed to refresh market", "match", key, "error", err)
				continue
			}
			updatedKeys = append(updatedKeys, key)
		}
	}

	if len(removedKeys) == 0 && len(updatedKeys) == 0 {
		return ""
	}
	sort.Strings(removedKeys)
	sort.Strings(updatedKeys)

	summary := formatValidationSummary(removedKeys, updatedKeys)
	slog.Info("Validation summary",
		"removed", len(removedKeys), "updated", len(updatedKeys))
	if err := w.notifier.Announce(ctx, summary); err != nil {
		slog.Warn("Validation: failed sending summary", "error", err)
	}
	return summary
}

const validationSummaryLimit = 20

func formatValidationSummary(removed, updated []string) string {
	var lines []string
	if len(removed) > 0 {
		lines = append(lines, fmt.Sprintf("Removed %d markets no longer approved:", len(removed)))
		for i, key := range removed {
			if i >= validationSummaryLimit {
				break
			}
			lines = append(lines, "- "+key)
		}
	}
	if len(updated) > 0 {
		lines = append(lines, fmt.Sprintf("Updated %d markets with fresh data:", len(updated)))
		for i, key := range updated {
			if i >= validationSummaryLimit {
				break
			}
			lines = append(lines, "- "+key)
		}
	}
	return "*Validation summary*\n" + strings.Join(lines, "\n")
}

// TriggerValidation requests a validation pass at the next safe checkpoint
// (between cycles) and waits for its summary.
func (w *Watcher) TriggerValidation(ctx context.Context) (string, error) {
	respCh := make(chan string, 1)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case w.validateCh <- respCh:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case summary := <-respCh:
		return summary, nil
	}
}

// Status implements the health server status hook.
func (w *Watcher) Status(ctx context.Context) (health.Status, error) {
	seen, err := w.store.All(ctx)
	if err != nil {
		return health.Status{}, err
	}
	w.mu.Lock()
	last := w.lastCycleAt
	w.mu.Unlock()
	return health.Status{
		State:          w.State().String(),
		Cycles:         w.cycles.Load(),
		LastCycleAt:    last,
		TrackedMarkets: len(seen),
	}, nil
}

// Markets implements the health server markets hook: tracked markets, newest
// first.
func (w *Watcher) Markets(ctx context.Context) ([]models.Market, error) {
	seen, err := w.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Market, 0, len(seen))
	for _, rec := range seen {
		m := rec.Market
		m.FirstDetectedAt = rec.FirstDetectedAt
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstDetectedAt.Equal(out[j].FirstDetectedAt) {
			return out[i].FirstDetectedAt.After(out[j].FirstDetectedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out, nil
}
