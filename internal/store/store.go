package store

import (
	"context"
	"errors"

	"github.com/ospanova/taskbridge/internal/task"
)

// ErrNotFound is returned when a requested record is absent from the store.
var ErrNotFound = errors.New("record not found")

// Store is the durable key-value persistence the coordinator runs against.
// Values are whole JSON blobs keyed by task id or scope id; there are no
// transactions across keys and the coordinator owns all invariants.
type Store interface {
	PutTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ProbeStatus is the read-only task-status view used by the polling
	// reconciler and the /task-status endpoint.
	ProbeStatus(ctx context.Context, id string) (*task.StatusReport, error)

	GetScopeTasks(ctx context.Context, scopeID string) ([]*task.Task, error)
	PutScopeTasks(ctx context.Context, scopeID string, tasks []*task.Task) error

	GetHistory(ctx context.Context, scopeID string) ([]*task.HistoryEntry, error)
	PutHistory(ctx context.Context, scopeID string, entries []*task.HistoryEntry) error

	Close() error
}
