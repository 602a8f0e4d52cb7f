package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ospanova/taskbridge/internal/dispatch"
	"github.com/ospanova/taskbridge/internal/ingest"
	"github.com/ospanova/taskbridge/internal/task"
)

// Loopback stands in for the external processor when none is configured.
// It accepts every dispatch and, for task-mode, completes the work with a
// canned result a moment later through the ingestion path, which makes the
// whole lifecycle observable without any external dependency.
type Loopback struct {
	ingestor *ingest.Ingestor
	delay    time.Duration
	logger   *slog.Logger
}

func NewLoopback(ingestor *ingest.Ingestor, delay time.Duration, logger *slog.Logger) *Loopback {
	if delay <= 0 {
		delay = 2 * time.Second
	}
	return &Loopback{
		ingestor: ingestor,
		delay:    delay,
		logger:   logger,
	}
}

func (l *Loopback) Submit(ctx context.Context, p *dispatch.Payload) error {
	if p.CorrelationID == "" {
		// Email-mode is fire-and-forget; nothing reports back.
		l.logger.Info("loopback processor swallowed fire-and-forget request", "mode", p.Mode)
		return nil
	}

	go func(id string, out ingest.Outcome) {
		time.Sleep(l.delay)
		if err := l.ingestor.Ingest(context.Background(), id, out); err != nil {
			l.logger.Error("loopback completion failed", "task_id", id, "error", err)
		}
	}(p.CorrelationID, ingest.Outcome{
		Status: task.StatusCompleted,
		Result: cannedResult(p),
	})

	return nil
}

func cannedResult(p *dispatch.Payload) string {
	instructions := p.Instructions
	if len(instructions) > 80 {
		instructions = instructions[:80] + "..."
	}
	return fmt.Sprintf("loopback: processed %q as %s", instructions, p.Format)
}
