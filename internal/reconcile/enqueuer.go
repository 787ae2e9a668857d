package reconcile

import (
	"context"
	"time"

	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// Detacher runs work outside the caller's request.
type Detacher interface {
	Go(parent context.Context, name string, fn func(ctx context.Context) error)
}

// Enqueuer schedules reconciliation without ever failing the caller.
type Enqueuer struct {
	queue  Queue
	tasks  Detacher
	logger *logging.Logger
	now    func() time.Time
}

// NewEnqueuer returns an enqueuer. With a nil tasks runner the send happens
// inline, still with errors swallowed.
func NewEnqueuer(queue Queue, tasks Detacher, logger *logging.Logger) *Enqueuer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Enqueuer{queue: queue, tasks: tasks, logger: logger, now: time.Now}
}

// EnqueueReconciliation is fire-and-forget. Failures are logged and dropped;
// the periodic sweep picks up anything the queue lost.
func (e *Enqueuer) EnqueueReconciliation(ctx context.Context, r Reason) {
	if e == nil || e.queue == nil {
		return
	}
	body, err := encodeJob(r, e.now())
	if err != nil {
		e.logger.Warn("reconcile enqueue failed", "message_id", r.MessageID, "error", err)
		return
	}
	send := func(ctx context.Context) error {
		if err := e.queue.Send(ctx, body); err != nil {
			e.logger.Warn("reconcile enqueue failed",
				"message_id", r.MessageID,
				"event_id", r.EventID,
				"cause", r.Cause,
				"error", err,
			)
			return err
		}
		return nil
	}
	if e.tasks != nil {
		e.tasks.Go(ctx, "reconcile_enqueue", send)
		return
	}
	_ = send(ctx)
}
