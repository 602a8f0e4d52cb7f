package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ospanova/taskbridge/internal/scope"
	"github.com/ospanova/taskbridge/internal/store"
	"github.com/ospanova/taskbridge/internal/task"
)

// DefaultInterval is the fixed delay between status probes for one task.
const DefaultInterval = 30 * time.Second

// Probe answers status queries for a single task id. Implementations return
// store.ErrNotFound when the id is confirmed absent; any other error is
// treated as transient and retried on the next tick.
type Probe interface {
	ProbeStatus(ctx context.Context, taskID string) (*task.StatusReport, error)
}

// Cache receives reconciled state. scope.Session implements it; merges for
// a scope that is no longer active fail with scope.ErrScopeChanged and the
// probe result is discarded.
type Cache interface {
	MergeStatus(ctx context.Context, scopeID, taskID string, r *task.StatusReport) error
	MarkNotFound(ctx context.Context, scopeID, taskID string) error
}

// Reconciler polls every tracked task until it reaches a terminal state or
// is confirmed absent. Each task id owns an independent cancellable timer
// loop; there is no shared ordering across ids.
type Reconciler struct {
	probe    Probe
	cache    Cache
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[string]*handle
	wg      sync.WaitGroup
}

// handle is one task's cancellable probe timer. Kept as a pointer so a
// finished loop can remove exactly its own map entry and never a successor's.
type handle struct {
	cancel context.CancelFunc
}

func New(probe Probe, cache Cache, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		probe:    probe,
		cache:    cache,
		interval: interval,
		logger:   logger,
		tracked:  make(map[string]*handle),
	}
}

// Track starts polling taskID on behalf of scopeID: one probe immediately,
// then one per interval. Tracking an already-tracked id is a no-op.
func (r *Reconciler) Track(scopeID, taskID string) {
	r.mu.Lock()
	if _, ok := r.tracked[taskID]; ok {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel}
	r.tracked[taskID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx, h, scopeID, taskID)
}

// Untrack stops polling taskID. Safe to call for ids that are not tracked,
// including from completion ingestion racing ahead of the poller.
func (r *Reconciler) Untrack(taskID string) {
	r.mu.Lock()
	h, ok := r.tracked[taskID]
	if ok {
		delete(r.tracked, taskID)
	}
	r.mu.Unlock()

	if ok {
		h.cancel()
	}
}

// CancelAll stops every probe timer. Called on scope switch and shutdown.
func (r *Reconciler) CancelAll() {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.tracked))
	for id, h := range r.tracked {
		handles = append(handles, h)
		delete(r.tracked, id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}

// Tracked returns the ids currently being polled.
func (r *Reconciler) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels all timers and waits for the probe loops to drain.
func (r *Reconciler) Stop() {
	r.CancelAll()
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context, h *handle, scopeID, taskID string) {
	defer r.wg.Done()
	defer r.release(taskID, h)

	if done := r.probeOnce(ctx, scopeID, taskID); done {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := r.probeOnce(ctx, scopeID, taskID); done {
				return
			}
		}
	}
}

// release drops the map entry for a finished loop, but only if it still
// owns it; a scope switch may already have replaced it.
func (r *Reconciler) release(taskID string, h *handle) {
	r.mu.Lock()
	if cur, ok := r.tracked[taskID]; ok && cur == h {
		delete(r.tracked, taskID)
	}
	r.mu.Unlock()
	h.cancel()
}

// probeOnce issues one status probe and applies the outcome. It returns true
// when polling for this task should stop: terminal state reached, the id is
// confirmed absent, or the scope has changed underneath it.
func (r *Reconciler) probeOnce(ctx context.Context, scopeID, taskID string) bool {
	report, err := r.probe.ProbeStatus(ctx, taskID)

	switch {
	case errors.Is(err, store.ErrNotFound):
		if mergeErr := r.cache.MarkNotFound(ctx, scopeID, taskID); mergeErr != nil && !errors.Is(mergeErr, scope.ErrScopeChanged) {
			r.logger.Error("failed to record missing task", "task_id", taskID, "error", mergeErr)
		}
		r.logger.Warn("task absent from status store, marked failed", "task_id", taskID, "scope_id", scopeID)
		return true

	case errors.Is(err, context.Canceled):
		return true

	case err != nil:
		// Transient: leave the task tracked and retry on the next tick.
		r.logger.Debug("status probe failed, will retry", "task_id", taskID, "error", err)
		return false
	}

	mergeErr := r.cache.MergeStatus(ctx, scopeID, taskID, report)
	if errors.Is(mergeErr, scope.ErrScopeChanged) {
		// Resolved after its scope was deactivated; discard.
		return true
	}
	if mergeErr != nil {
		r.logger.Error("failed to merge probe result", "task_id", taskID, "error", mergeErr)
		return false
	}

	if report.Status.Terminal() {
		r.logger.Info("task reconciled to terminal state",
			"task_id", taskID,
			"scope_id", scopeID,
			"status", report.Status)
		return true
	}
	return false
}
