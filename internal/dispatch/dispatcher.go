package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ospanova/taskbridge/internal/scope"
	"github.com/ospanova/taskbridge/internal/task"
)

// DefaultDebounce is the duplicate-submission guard window, measured from
// the start of the previous call.
const DefaultDebounce = time.Second

var (
	// ErrDuplicateSubmission rejects a submit fired while another is in
	// flight or within the debounce window. No side effects occur.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrDispatchFailed wraps a failed outbound call. The pending task
	// record, if any, is left in place for polling or callback to resolve.
	ErrDispatchFailed = errors.New("dispatch failed")
)

// ValidationError is a local precondition failure; no network call was made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request is one user-initiated submission.
type Request struct {
	Mode         task.Mode        `json:"mode" validate:"required,oneof=task email"`
	Instructions string           `json:"instructions" validate:"required"`
	Format       string           `json:"format,omitempty"`
	CustomFormat string           `json:"customFormat,omitempty"`
	Attachment   *task.Attachment `json:"attachment,omitempty"`
}

// Result reports whether the submission was accepted and, for task-mode,
// the correlation id under which the work is tracked.
type Result struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Payload is the opaque outbound request handed to the processor. The
// correlation id and callback URL travel inside it so the processor can
// report back out-of-band.
type Payload struct {
	CorrelationID string           `json:"taskId,omitempty"`
	CallbackURL   string           `json:"callbackUrl,omitempty"`
	Mode          task.Mode        `json:"mode"`
	Instructions  string           `json:"instructions"`
	Format        string           `json:"format,omitempty"`
	Attachment    *task.Attachment `json:"attachment,omitempty"`
}

// Processor submits work to the external asynchronous processor.
// Fire-and-forget: acceptance of the request is all it can confirm.
type Processor interface {
	Submit(ctx context.Context, p *Payload) error
}

// Tracker hands a freshly created task to the polling reconciler.
type Tracker interface {
	Track(scopeID, taskID string)
}

// Dispatcher builds and sends work requests. For task-mode it creates the
// pending record and persists it durably before the outbound call, so a
// crash mid-dispatch still leaves a recoverable task behind.
type Dispatcher struct {
	session     *scope.Session
	processor   Processor
	tracker     Tracker
	validate    *validator.Validate
	debounce    time.Duration
	callbackURL string
	logger      *slog.Logger

	mu        sync.Mutex
	lastStart time.Time
	inFlight  bool
}

func New(session *scope.Session, processor Processor, tracker Tracker, debounce time.Duration, callbackURL string, logger *slog.Logger) *Dispatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Dispatcher{
		session:     session,
		processor:   processor,
		tracker:     tracker,
		validate:    validator.New(),
		debounce:    debounce,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// Submit validates req, records local state, and dispatches. The returned
// Result reflects acceptance by the processor; a dispatch failure still
// leaves the pending record in place (the request may have been received).
func (d *Dispatcher) Submit(ctx context.Context, req *Request) (*Result, error) {
	if err := d.validateRequest(req); err != nil {
		return &Result{}, err
	}

	now := time.Now()
	if err := d.acquire(now); err != nil {
		return &Result{}, err
	}
	defer d.release()

	scopeID := d.session.ScopeID()
	payload := &Payload{
		CallbackURL:  d.callbackURL,
		Mode:         req.Mode,
		Instructions: req.Instructions,
		Format:       resolveFormat(req),
		Attachment:   req.Attachment,
	}

	var corrID string
	if req.Mode == task.ModeTask {
		corrID = NewCorrelationID(now)
		payload.CorrelationID = corrID

		t := &task.Task{
			ID:      corrID,
			ScopeID: scopeID,
			Status:  task.StatusPending,
			Payload: &task.Payload{
				Mode:         req.Mode,
				Instructions: req.Instructions,
				Format:       payload.Format,
				Attachment:   req.Attachment,
			},
			CreatedAt: now.UTC(),
		}
		if err := d.session.UpsertTask(ctx, t); err != nil {
			return &Result{}, fmt.Errorf("persist pending task: %w", err)
		}
	}

	entry := &task.HistoryEntry{
		ID:           uuid.New().String(),
		Mode:         req.Mode,
		Instructions: req.Instructions,
		Format:       payload.Format,
		CreatedAt:    now.UTC(),
	}
	if req.Attachment != nil {
		entry.AttachmentName = req.Attachment.Name
	}
	if err := d.session.AppendHistory(ctx, entry); err != nil {
		// The task record is the durable source of truth; a lost history
		// entry does not abort the submission.
		d.logger.Warn("failed to record history entry", "error", err)
	}

	// Track before dispatch: even a failed outbound call gets reconciled.
	if corrID != "" && d.tracker != nil {
		d.tracker.Track(scopeID, corrID)
	}

	if err := d.processor.Submit(ctx, payload); err != nil {
		d.logger.Warn("dispatch failed, pending record left for reconciliation",
			"task_id", corrID,
			"scope_id", scopeID,
			"error", err)
		return &Result{Accepted: false, CorrelationID: corrID}, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	d.logger.Info("submission dispatched",
		"mode", req.Mode,
		"task_id", corrID,
		"scope_id", scopeID)
	return &Result{Accepted: true, CorrelationID: corrID}, nil
}

// acquire enforces the duplicate-submission guard.
func (d *Dispatcher) acquire(now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight || (!d.lastStart.IsZero() && now.Sub(d.lastStart) < d.debounce) {
		return ErrDuplicateSubmission
	}
	d.lastStart = now
	d.inFlight = true
	return nil
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	d.inFlight = false
	d.mu.Unlock()
}

func (d *Dispatcher) validateRequest(req *Request) error {
	if err := d.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{
				Field:  strings.ToLower(verrs[0].Field()),
				Reason: "failed " + verrs[0].Tag() + " check",
			}
		}
		return &ValidationError{Field: "request", Reason: err.Error()}
	}

	if strings.TrimSpace(req.Instructions) == "" {
		return &ValidationError{Field: "instructions", Reason: "must not be blank"}
	}

	if req.Mode == task.ModeTask && resolveFormat(req) == "" {
		return &ValidationError{Field: "format", Reason: "task mode requires a preset or custom output format"}
	}

	return nil
}

// resolveFormat picks the output format descriptor: explicit custom text
// wins over a selected preset.
func resolveFormat(req *Request) string {
	if custom := strings.TrimSpace(req.CustomFormat); custom != "" {
		return custom
	}
	return strings.TrimSpace(req.Format)
}

// NewCorrelationID builds a client-generated id: creation time in unix
// milliseconds plus a random suffix, unique with overwhelming probability.
func NewCorrelationID(now time.Time) string {
	suffix := strings.SplitN(uuid.New().String(), "-", 2)[0]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}
