package scope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospanova/taskbridge/internal/task"
)

// fakeTracker records the order of calls so tests can assert that timers
// are cancelled before any new task is seeded.
type fakeTracker struct {
	cancelCalls int
	tracked     []string
	scopes      []string
	order       []string
}

func (f *fakeTracker) Track(scopeID, taskID string) {
	f.tracked = append(f.tracked, taskID)
	f.scopes = append(f.scopes, scopeID)
	f.order = append(f.order, "track:"+taskID)
}

func (f *fakeTracker) CancelAll() {
	f.cancelCalls++
	f.order = append(f.order, "cancel")
}

func storedTask(id, scopeID string, status task.Status) *task.Task {
	return &task.Task{
		ID:        id,
		ScopeID:   scopeID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestManager_SwitchScopeSeedsNonTerminalTasks(t *testing.T) {
	s, st, mr := setupTestSession(t, 0)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, st.PutScopeTasks(ctx, "conv-1", []*task.Task{
		storedTask("p1", "conv-1", task.StatusPending),
		storedTask("p2", "conv-1", task.StatusProcessing),
		storedTask("d1", "conv-1", task.StatusCompleted),
		storedTask("f1", "conv-1", task.StatusFailed),
	}))

	tracker := &fakeTracker{}
	m := NewManager(s, tracker)
	require.NoError(t, m.SwitchScope(ctx, "conv-1"))

	// Exactly the in-flight tasks resume polling after hydration; terminal
	// ones never re-enter the tracked set.
	assert.ElementsMatch(t, []string{"p1", "p2"}, tracker.tracked)
	for _, scopeID := range tracker.scopes {
		assert.Equal(t, "conv-1", scopeID)
	}

	// Old timers are cancelled before anything new is seeded.
	assert.Equal(t, 1, tracker.cancelCalls)
	require.NotEmpty(t, tracker.order)
	assert.Equal(t, "cancel", tracker.order[0])
}

func TestManager_SwitchScopeCancelsPreviousScopeFirst(t *testing.T) {
	s, st, mr := setupTestSession(t, 0)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, st.PutScopeTasks(ctx, "conv-a", []*task.Task{
		storedTask("a1", "conv-a", task.StatusPending),
	}))
	require.NoError(t, st.PutScopeTasks(ctx, "conv-b", []*task.Task{
		storedTask("b1", "conv-b", task.StatusProcessing),
	}))

	tracker := &fakeTracker{}
	m := NewManager(s, tracker)
	require.NoError(t, m.SwitchScope(ctx, "conv-a"))
	require.NoError(t, m.SwitchScope(ctx, "conv-b"))

	// One CancelAll per switch, and the second switch seeds only conv-b.
	assert.Equal(t, 2, tracker.cancelCalls)
	assert.Equal(t, []string{"a1", "b1"}, tracker.tracked)
	assert.Equal(t, []string{"cancel", "track:a1", "cancel", "track:b1"}, tracker.order)
}

func TestManager_SwitchScopeEmptyScopeSeedsNothing(t *testing.T) {
	s, _, mr := setupTestSession(t, 0)
	defer mr.Close()

	tracker := &fakeTracker{}
	m := NewManager(s, tracker)
	require.NoError(t, m.SwitchScope(context.Background(), "conv-empty"))

	assert.Equal(t, 1, tracker.cancelCalls)
	assert.Empty(t, tracker.tracked)
}
