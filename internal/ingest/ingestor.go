package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ospanova/taskbridge/internal/scope"
	"github.com/ospanova/taskbridge/internal/store"
	"github.com/ospanova/taskbridge/internal/task"
)

// Policy decides what happens when a callback arrives for a record that is
// already terminal.
type Policy string

const (
	// PolicyLastWriteWins overwrites result/error/completedAt on replay.
	// A retried callback may carry corrected information.
	PolicyLastWriteWins Policy = "last-write-wins"

	// PolicyStrict acknowledges replays but leaves the first terminal
	// outcome untouched.
	PolicyStrict Policy = "strict"
)

// ErrMissingTaskID rejects a callback that carries no usable correlation id.
var ErrMissingTaskID = errors.New("callback carries no task id")

// Outcome is the completion a callback reports for one correlation id.
type Outcome struct {
	Status task.Status
	Result string
	Error  string
}

// Tracker is the slice of the polling reconciler ingestion needs: once a
// callback lands a terminal state there is nothing left to poll.
type Tracker interface {
	Untrack(taskID string)
}

// Ingestor absorbs out-of-band completion callbacks. It tolerates ids it has
// never seen (a callback can race ahead of the dispatcher's own write) and,
// under the default policy, replays of already-terminal outcomes.
type Ingestor struct {
	store   store.Store
	session *scope.Session
	tracker Tracker
	policy  Policy
	logger  *slog.Logger
}

func New(st store.Store, session *scope.Session, tracker Tracker, policy Policy, logger *slog.Logger) *Ingestor {
	if policy == "" {
		policy = PolicyLastWriteWins
	}
	return &Ingestor{
		store:   st,
		session: session,
		tracker: tracker,
		policy:  policy,
		logger:  logger,
	}
}

// Ingest applies out to the task matching correlationID and persists it.
// A nil return is the acknowledgement; any error means the durable write did
// not happen and the caller is expected to retry the callback.
func (i *Ingestor) Ingest(ctx context.Context, correlationID string, out Outcome) error {
	if correlationID == "" {
		return ErrMissingTaskID
	}

	status := normalizeStatus(out)
	if out.Error == "" && out.Status != "" && out.Status != status {
		// Callbacks report terminal outcomes; a pending/processing or
		// unknown status here is a misbehaving caller.
		i.logger.Warn("callback carried non-terminal status, recorded as completed",
			"task_id", correlationID,
			"status", out.Status)
	}

	t, err := i.store.GetTask(ctx, correlationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Callback raced ahead of the dispatcher's write, or the task was
		// dispatched by a client we never saw. Synthesize a minimal record
		// rather than dropping data.
		t = &task.Task{
			ID:        correlationID,
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		i.logger.Info("callback for unknown task, record synthesized", "task_id", correlationID)
	case err != nil:
		return fmt.Errorf("load task: %w", err)
	}

	if t.Status.Terminal() && i.policy == PolicyStrict {
		i.logger.Info("duplicate terminal callback ignored",
			"task_id", correlationID,
			"status", t.Status)
		return nil
	}

	t.Status = status
	t.Result = ""
	t.Error = ""
	if status == task.StatusFailed {
		t.Error = out.Error
		if t.Error == "" {
			t.Error = "task failed"
		}
	} else {
		t.Result = out.Result
		if t.Result == "" {
			// Keep the exactly-one-of-result-or-error invariant even when
			// the callback carried no content.
			t.Result = "(empty result)"
		}
	}
	completed := time.Now().UTC()
	t.CompletedAt = &completed

	if err := i.store.PutTask(ctx, t); err != nil {
		return fmt.Errorf("persist outcome: %w", err)
	}

	if i.tracker != nil {
		i.tracker.Untrack(t.ID)
	}

	if i.session != nil && t.ScopeID != "" && t.ScopeID == i.session.ScopeID() {
		report := &task.StatusReport{
			Status:      t.Status,
			Data:        t.Result,
			Error:       t.Error,
			CompletedAt: t.CompletedAt,
		}
		if err := i.session.MergeStatus(ctx, t.ScopeID, t.ID, report); err != nil && !errors.Is(err, scope.ErrScopeChanged) {
			i.logger.Error("failed to merge callback into cache", "task_id", t.ID, "error", err)
		}
	}

	i.logger.Info("callback ingested", "task_id", t.ID, "status", t.Status)
	return nil
}

// normalizeStatus maps a callback outcome to a terminal status. Presence of
// an error dominates whatever status the caller claimed; any non-failed
// claim, including a non-terminal or unknown one, lands as completed so the
// carried data is not dropped.
func normalizeStatus(out Outcome) task.Status {
	if out.Error != "" {
		return task.StatusFailed
	}
	if out.Status == task.StatusFailed {
		return task.StatusFailed
	}
	return task.StatusCompleted
}
