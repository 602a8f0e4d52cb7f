package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ospanova/taskbridge/internal/store"
	"github.com/ospanova/taskbridge/internal/task"
)

// DefaultLimit caps a scope's task list and history list. Oldest entries are
// dropped in insertion order once the cap is exceeded.
const DefaultLimit = 50

// ErrScopeChanged rejects a mutation whose originating scope is no longer
// the active one. Results of in-flight probes for a deactivated scope land
// here and are discarded.
var ErrScopeChanged = errors.New("scope changed")

// Session is the in-memory mirror of the active scope: its bounded task list
// and submission history, hydrated from durable storage on activation and
// written through on every mutation. One Session exists per process; it is
// an owned object with an explicit lifecycle, not ambient globals.
type Session struct {
	store  store.Store
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	scopeID string
	tasks   []*task.Task
	history []*task.HistoryEntry
}

func NewSession(st store.Store, limit int, logger *slog.Logger) *Session {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Session{
		store:  st,
		logger: logger,
		limit:  limit,
	}
}

// Activate replaces the cache contents with the durable state of scopeID.
// Nothing from the previous scope survives. No flush is needed on the way
// out: every mutation already wrote through.
func (s *Session) Activate(ctx context.Context, scopeID string) error {
	tasks, err := s.store.GetScopeTasks(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("hydrate tasks: %w", err)
	}
	history, err := s.store.GetHistory(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("hydrate history: %w", err)
	}

	s.mu.Lock()
	s.scopeID = scopeID
	s.tasks = tasks
	s.history = history
	s.mu.Unlock()

	s.logger.Info("scope activated",
		"scope_id", scopeID,
		"tasks", len(tasks),
		"history", len(history))
	return nil
}

func (s *Session) ScopeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopeID
}

// Tasks returns a snapshot of the cached task list, most recent first.
func (s *Session) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// History returns a snapshot of the cached history list, most recent first.
func (s *Session) History() []*task.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// PendingIDs returns ids of cached tasks that have not reached a terminal
// state. Used to seed the reconciler on activation so tracking survives a
// restart.
func (s *Session) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, t := range s.tasks {
		if !t.Status.Terminal() {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// UpsertTask inserts or replaces t in the active scope's list and writes the
// record and the whole list back through to durable storage.
func (s *Session) UpsertTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ScopeID != s.scopeID {
		return ErrScopeChanged
	}
	s.upsertLocked(t)
	return s.flushTasksLocked(ctx, t)
}

// AppendHistory prepends e to the active scope's history and writes the
// whole list back. Entries are immutable once written.
func (s *Session) AppendHistory(ctx context.Context, e *task.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append([]*task.HistoryEntry{e}, s.history...)
	if len(s.history) > s.limit {
		s.history = s.history[:s.limit]
	}
	if err := s.store.PutHistory(ctx, s.scopeID, s.history); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// MergeStatus applies an externally observed status to the cached task,
// provided scopeID is still the active scope. Terminal reports carry
// result or error and stamp CompletedAt; non-terminal reports only move
// the status forward.
func (s *Session) MergeStatus(ctx context.Context, scopeID, taskID string, r *task.StatusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scopeID != s.scopeID {
		return ErrScopeChanged
	}

	t := s.findLocked(taskID)
	inserted := false
	if t == nil {
		// The task aged out of the bounded list while still tracked.
		// Reinsert a minimal record so the outcome is not lost.
		t = &task.Task{ID: taskID, ScopeID: scopeID, Status: r.Status, CreatedAt: time.Now().UTC()}
		s.upsertLocked(t)
		inserted = true
	}

	if r.Status.Terminal() {
		t.Status = r.Status
		t.Result = ""
		t.Error = ""
		if r.Status == task.StatusFailed {
			t.Error = r.Error
			if t.Error == "" {
				t.Error = "task failed"
			}
		} else {
			t.Result = r.Data
			if t.Result == "" {
				// Keep the exactly-one-of-result-or-error invariant even
				// when the probe carried no content.
				t.Result = "(empty result)"
			}
		}
		completed := time.Now().UTC()
		if r.CompletedAt != nil {
			completed = *r.CompletedAt
		}
		t.CompletedAt = &completed
	} else if t.Status != r.Status {
		t.Status = r.Status
	} else if !inserted {
		// Liveness confirmed, nothing changed; skip the store write.
		return nil
	}

	return s.flushTasksLocked(ctx, t)
}

// MarkNotFound converts a confirmed-absent probe result into a terminal
// failed record so the task does not poll forever.
func (s *Session) MarkNotFound(ctx context.Context, scopeID, taskID string) error {
	completed := time.Now().UTC()
	return s.MergeStatus(ctx, scopeID, taskID, &task.StatusReport{
		Status:      task.StatusFailed,
		Error:       "task not found in status store",
		CompletedAt: &completed,
	})
}

func (s *Session) findLocked(taskID string) *task.Task {
	for _, t := range s.tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

func (s *Session) upsertLocked(t *task.Task) {
	for i, existing := range s.tasks {
		if existing.ID == t.ID {
			s.tasks[i] = t
			return
		}
	}
	s.tasks = append([]*task.Task{t}, s.tasks...)
	if len(s.tasks) > s.limit {
		s.tasks = s.tasks[:s.limit]
	}
}

// flushTasksLocked writes the individual record and the whole scope list.
// The list write is read-modify-write against the cached snapshot; the
// later of two racing writers wins (accepted, see store docs).
func (s *Session) flushTasksLocked(ctx context.Context, t *task.Task) error {
	if err := s.store.PutTask(ctx, t); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}
	if err := s.store.PutScopeTasks(ctx, s.scopeID, s.tasks); err != nil {
		return fmt.Errorf("persist task list: %w", err)
	}
	return nil
}
