package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospanova/taskbridge/internal/dispatch"
	"github.com/ospanova/taskbridge/internal/ingest"
	"github.com/ospanova/taskbridge/internal/poll"
	"github.com/ospanova/taskbridge/internal/scope"
	"github.com/ospanova/taskbridge/internal/store"
	"github.com/ospanova/taskbridge/internal/task"
)

type okProcessor struct{}

func (okProcessor) Submit(ctx context.Context, p *dispatch.Payload) error { return nil }

type testEnv struct {
	router *chi.Mux
	store  *store.Redis
	mr     *miniredis.Miniredis
}

func setupTestEnv(t *testing.T) *testEnv {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	st, err := store.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := scope.NewSession(st, 0, logger)
	reconciler := poll.New(st, session, time.Minute, logger)
	ingestor := ingest.New(st, session, reconciler, ingest.PolicyLastWriteWins, logger)
	manager := scope.NewManager(session, reconciler)
	dispatcher := dispatch.New(session, okProcessor{}, reconciler, time.Second, "", logger)

	require.NoError(t, manager.SwitchScope(context.Background(), "conv-1"))
	t.Cleanup(reconciler.Stop)

	h := NewHandler(st, manager, dispatcher, ingestor, 0, logger)
	return &testEnv{router: NewRouter(h), store: st, mr: mr}
}

func (e *testEnv) do(method, target string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestSubmitEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("POST", "/submit", map[string]string{
		"mode":         "task",
		"instructions": "summarize this thread",
		"format":       "table",
	})
	assert.Equal(t, http.StatusAccepted, rr.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	require.NotEmpty(t, resp.CorrelationID)

	got, err := env.store.GetTask(context.Background(), resp.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestSubmitEndpoint_ValidationError(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("POST", "/submit", map[string]string{
		"mode": "task",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitEndpoint_Debounce(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	body := map[string]string{
		"mode":         "task",
		"instructions": "do the thing",
		"format":       "list",
	}
	first := env.do("POST", "/submit", body)
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := env.do("POST", "/submit", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted)
}

func TestTaskEndpoints_PutThenGet(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("PUT", "/tasks/ext-1", map[string]any{
		"status":  "processing",
		"scopeId": "conv-9",
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do("GET", "/tasks/ext-1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "ext-1", got.ID)
	assert.Equal(t, task.StatusProcessing, got.Status)
	assert.Equal(t, "conv-9", got.ScopeID)
}

func TestGetTask_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("GET", "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTaskStatusEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()
	ctx := context.Background()

	completed := time.Now().UTC()
	require.NoError(t, env.store.PutTask(ctx, &task.Task{
		ID:          "t1",
		Status:      task.StatusCompleted,
		Result:      "all done",
		CreatedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
	}))

	rr := env.do("GET", "/task-status?taskId=t1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var report task.StatusReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, task.StatusCompleted, report.Status)
	assert.Equal(t, "all done", report.Data)

	rr = env.do("GET", "/task-status?taskId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do("GET", "/task-status", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTaskCallbackEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("POST", "/task-callback", map[string]any{
		"taskId": "cb-1",
		"status": "completed",
		"result": "here you go",
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp CallbackResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	got, err := env.store.GetTask(context.Background(), "cb-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "here you go", got.Result)
}

func TestTaskCallbackEndpoint_FieldTolerance(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	// snake_case id and "data" instead of "result" must still land.
	rr := env.do("POST", "/task-callback", map[string]any{
		"task_id": "cb-2",
		"status":  "completed",
		"data":    "tolerated",
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	got, err := env.store.GetTask(context.Background(), "cb-2")
	require.NoError(t, err)
	assert.Equal(t, "tolerated", got.Result)
}

func TestTaskCallbackEndpoint_ErrorDominates(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("POST", "/task-callback", map[string]any{
		"taskId": "cb-3",
		"status": "completed",
		"error":  "went sideways",
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	got, err := env.store.GetTask(context.Background(), "cb-3")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "went sideways", got.Error)
}

func TestTaskCallbackEndpoint_MissingID(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("POST", "/task-callback", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	var resp CallbackResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
}

func TestHistoryEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("POST", "/conversation-history?conversationId=conv-1", map[string]string{
		"mode":         "task",
		"instructions": "first",
	})
	assert.Equal(t, http.StatusCreated, rr.Code)

	// Appends are deliberately not idempotent.
	rr = env.do("POST", "/conversation-history?conversationId=conv-1", map[string]string{
		"mode":         "task",
		"instructions": "first",
	})
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = env.do("GET", "/conversation-history?conversationId=conv-1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var entries []task.HistoryEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	rr = env.do("GET", "/conversation-history", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScopeTasksEndpoints(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	snapshot := []map[string]any{
		{"id": "a", "status": "pending", "scopeId": "conv-5"},
		{"id": "b", "status": "completed", "scopeId": "conv-5"},
	}
	rr := env.do("POST", "/conversation-tasks?conversationId=conv-5", snapshot)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do("GET", "/conversation-tasks?conversationId=conv-5", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var tasks []task.Task
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tasks))
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
}

func TestActivateScopeEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()
	ctx := context.Background()

	require.NoError(t, env.store.PutScopeTasks(ctx, "conv-2", []*task.Task{
		{ID: "t1", ScopeID: "conv-2", Status: task.StatusPending, CreatedAt: time.Now().UTC()},
	}))

	rr := env.do("POST", "/scopes/conv-2/activate", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "conv-2", resp["scopeId"])
	assert.Equal(t, float64(1), resp["tasks"])
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	req := httptest.NewRequest(http.MethodOptions, "/task-callback", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rr.Body.String())
}

func TestHealthCheck(t *testing.T) {
	env := setupTestEnv(t)
	defer env.mr.Close()

	rr := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
