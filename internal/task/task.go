package task

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is permitted out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Mode string

const (
	ModeTask  Mode = "task"
	ModeEmail Mode = "email"
)

// Attachment is metadata about a file attached to a submission. The content
// itself never passes through the coordinator.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Payload is the descriptor used to build the outbound dispatch request.
// It is opaque to the store.
type Payload struct {
	Mode         Mode        `json:"mode"`
	Instructions string      `json:"instructions"`
	Format       string      `json:"format,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
}

// Task is one unit of tracked asynchronous work. The ID doubles as the
// correlation id echoed back by the processor; it is generated client-side
// so the record exists before any server-side id does.
type Task struct {
	ID          string     `json:"id"`
	ScopeID     string     `json:"scopeId,omitempty"`
	Status      Status     `json:"status"`
	Payload     *Payload   `json:"payload,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HistoryEntry records a user-initiated submission, independent of its
// outcome. Entries are append-only and never mutated.
type HistoryEntry struct {
	ID             string    `json:"id"`
	Mode           Mode      `json:"mode"`
	Instructions   string    `json:"instructions"`
	Format         string    `json:"format,omitempty"`
	AttachmentName string    `json:"attachmentName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// StatusReport is what a status probe returns for a task.
type StatusReport struct {
	Status      Status     `json:"status"`
	Data        string     `json:"data,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
