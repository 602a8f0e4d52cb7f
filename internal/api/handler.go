package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ospanova/taskbridge/internal/dispatch"
	"github.com/ospanova/taskbridge/internal/ingest"
	"github.com/ospanova/taskbridge/internal/scope"
	"github.com/ospanova/taskbridge/internal/store"
	"github.com/ospanova/taskbridge/internal/task"
)

type Handler struct {
	store      store.Store
	manager    *scope.Manager
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	limit      int
	logger     *slog.Logger
}

func NewHandler(st store.Store, manager *scope.Manager, dispatcher *dispatch.Dispatcher, ingestor *ingest.Ingestor, limit int, logger *slog.Logger) *Handler {
	if limit <= 0 {
		limit = scope.DefaultLimit
	}
	return &Handler{
		store:      st,
		manager:    manager,
		dispatcher: dispatcher,
		ingestor:   ingestor,
		limit:      limit,
		logger:     logger,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type SubmitResponse struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlationId,omitempty"`
	Error         string `json:"error,omitempty"`
}

type CallbackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Submit drives the submission dispatcher.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.dispatcher.Submit(r.Context(), &req)
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, dispatch.ErrDuplicateSubmission):
			respondJSON(w, http.StatusTooManyRequests, SubmitResponse{Accepted: false, Error: err.Error()})
		case errors.Is(err, dispatch.ErrDispatchFailed):
			respondJSON(w, http.StatusBadGateway, SubmitResponse{
				Accepted:      false,
				CorrelationID: result.CorrelationID,
				Error:         err.Error(),
			})
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		Accepted:      result.Accepted,
		CorrelationID: result.CorrelationID,
	})
}

// ActivateScope switches the active work-session.
func (h *Handler) ActivateScope(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	if scopeID == "" {
		respondError(w, http.StatusBadRequest, "scope id is required")
		return
	}

	if err := h.manager.SwitchScope(r.Context(), scopeID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session := h.manager.Session()
	respondJSON(w, http.StatusOK, map[string]any{
		"scopeId": scopeID,
		"tasks":   len(session.Tasks()),
		"history": len(session.History()),
	})
}

type putTaskRequest struct {
	ScopeID   string        `json:"scopeId,omitempty"`
	Status    task.Status   `json:"status"`
	Payload   *task.Payload `json:"payload,omitempty"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt *time.Time    `json:"createdAt,omitempty"`
}

// PutTask writes a raw task record. The id comes from the URL; missing
// fields get conservative defaults.
func (h *Handler) PutTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	var req putTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t := &task.Task{
		ID:      id,
		ScopeID: req.ScopeID,
		Status:  req.Status,
		Payload: req.Payload,
		Result:  req.Result,
		Error:   req.Error,
	}
	if !t.Status.Valid() {
		t.Status = task.StatusPending
	}
	if req.CreatedAt != nil {
		t.CreatedAt = *req.CreatedAt
	} else {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status.Terminal() {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}

	if err := h.store.PutTask(r.Context(), t); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, t)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	t, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, t)
}

// TaskStatus is the read-only status probe view.
func (h *Handler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("taskId")
	if id == "" {
		respondError(w, http.StatusBadRequest, "taskId is required")
		return
	}

	report, err := h.store.ProbeStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// TaskCallback absorbs the processor's out-of-band completion report. The
// body is decoded loosely: processors disagree on field spellings, so the
// interesting values are pulled out by precedence order.
func (h *Handler) TaskCallback(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, CallbackResponse{Success: false, Error: "invalid request body"})
		return
	}

	id, ok := task.ExtractTaskID(body)
	if !ok {
		respondJSON(w, http.StatusBadRequest, CallbackResponse{Success: false, Error: ingest.ErrMissingTaskID.Error()})
		return
	}

	out := ingest.Outcome{}
	if s, ok := body["status"].(string); ok {
		out.Status = task.Status(s)
	}
	if result, ok := task.ExtractResult(body); ok {
		out.Result = result
	}
	if errMsg, ok := body["error"].(string); ok {
		out.Error = errMsg
	}

	if err := h.ingestor.Ingest(r.Context(), id, out); err != nil {
		// Not acknowledged: the caller is expected to retry the callback.
		respondJSON(w, http.StatusInternalServerError, CallbackResponse{Success: false, Error: err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, CallbackResponse{Success: true})
}

// GetHistory returns the bounded submission history for a conversation.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("conversationId")
	if scopeID == "" {
		respondError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	entries, err := h.store.GetHistory(r.Context(), scopeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

// AppendHistory appends one entry. Deliberately not idempotent: each call
// appends; callers dedupe before calling.
func (h *Handler) AppendHistory(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("conversationId")
	if scopeID == "" {
		respondError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	var entry task.HistoryEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	entries, err := h.store.GetHistory(r.Context(), scopeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries = append([]*task.HistoryEntry{&entry}, entries...)
	if len(entries) > h.limit {
		entries = entries[:h.limit]
	}

	if err := h.store.PutHistory(r.Context(), scopeID, entries); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, entry)
}

// GetScopeTasks returns the bounded task list snapshot for a conversation.
func (h *Handler) GetScopeTasks(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("conversationId")
	if scopeID == "" {
		respondError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	tasks, err := h.store.GetScopeTasks(r.Context(), scopeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, tasks)
}

// PutScopeTasks replaces the task list snapshot for a conversation.
func (h *Handler) PutScopeTasks(w http.ResponseWriter, r *http.Request) {
	scopeID := r.URL.Query().Get("conversationId")
	if scopeID == "" {
		respondError(w, http.StatusBadRequest, "conversationId is required")
		return
	}

	var tasks []*task.Task
	if err := json.NewDecoder(r.Body).Decode(&tasks); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(tasks) > h.limit {
		tasks = tasks[:h.limit]
	}

	if err := h.store.PutScopeTasks(r.Context(), scopeID, tasks); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"stored": len(tasks)})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
