package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-campaigns/internal/delivery"
	"github.com/wolfman30/wa-campaigns/internal/eventlog"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// Results reported to the metrics observer.
const (
	ResultApplied      = "applied"
	ResultUnmatched    = "unmatched"
	ResultError        = "error"
	ResultDeadLettered = "dead_lettered"
	ResultSkipped      = "skipped"
	ResultMissing      = "missing"
)

type eventStore interface {
	Get(ctx context.Context, id uuid.UUID) (*eventlog.StatusEvent, error)
	MarkEventAttempt(ctx context.Context, id uuid.UUID, attempt eventlog.Attempt) error
	ListReconcilable(ctx context.Context, minAge time.Duration, limit int) ([]eventlog.StatusEvent, error)
	DeadLetter(ctx context.Context, id uuid.UUID, reason string) error
}

type statusApplier interface {
	Apply(ctx context.Context, u webhook.StatusUpdate) (delivery.Result, error)
}

type effectsRunner interface {
	Run(ctx context.Context, u webhook.StatusUpdate, res delivery.Result)
}

// Observer receives one result per processed event.
type Observer interface {
	ObserveReconcile(result string)
}

// Worker re-applies logged events from the queue and from periodic sweeps.
type Worker struct {
	queue       Queue
	events      eventStore
	applier     statusApplier
	effects     effectsRunner
	observer    Observer
	logger      *logging.Logger
	maxAttempts int
	minAge      time.Duration
	interval    time.Duration
	batchSize   int
	waitSeconds int
}

func NewWorker(queue Queue, events eventStore, applier statusApplier, effects effectsRunner, logger *logging.Logger) *Worker {
	if events == nil || applier == nil {
		panic("reconcile: event store and applier required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:       queue,
		events:      events,
		applier:     applier,
		effects:     effects,
		logger:      logger,
		maxAttempts: 5,
		minAge:      30 * time.Second,
		interval:    time.Minute,
		batchSize:   50,
		waitSeconds: 20,
	}
}

func (w *Worker) WithMaxAttempts(n int) *Worker {
	if n > 0 {
		w.maxAttempts = n
	}
	return w
}

func (w *Worker) WithMinAge(d time.Duration) *Worker {
	if d >= 0 {
		w.minAge = d
	}
	return w
}

func (w *Worker) WithInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

func (w *Worker) WithBatchSize(n int) *Worker {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

func (w *Worker) WithObserver(o Observer) *Worker {
	w.observer = o
	return w
}

// Run consumes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.queue.Receive(ctx, 10, w.waitSeconds)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			w.logger.Error("reconcile receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	j, err := decodeJob(msg.Body)
	if err != nil {
		w.logger.Error("dropping undecodable reconcile job", "queue_message_id", msg.ID, "error", err)
		w.delete(ctx, msg)
		return
	}
	if j.Reason.EventID == uuid.Nil {
		// Degraded-mode events were never logged; nothing to replay.
		w.logger.Warn("reconcile job without event id", "message_id", j.Reason.MessageID, "cause", j.Reason.Cause)
		w.delete(ctx, msg)
		return
	}
	if _, err := w.Process(ctx, j.Reason.EventID); err != nil {
		// Leave the message for redelivery.
		w.logger.Error("reconcile job failed", "event_id", j.Reason.EventID, "error", err)
		return
	}
	w.delete(ctx, msg)
}

func (w *Worker) delete(ctx context.Context, msg Message) {
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Warn("reconcile delete failed", "queue_message_id", msg.ID, "error", err)
	}
}

// RunSweeper scans the event log every interval until ctx is done.
func (w *Worker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Worker) sweepAndLog(ctx context.Context) {
	n, err := w.Sweep(ctx)
	if err != nil {
		w.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("reconcile sweep processed events", "count", n)
	}
}

// Sweep processes one batch of stale events and returns how many it touched.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	events, err := w.events.ListReconcilable(ctx, w.minAge, w.batchSize)
	if err != nil {
		return 0, err
	}
	for _, evt := range events {
		if _, err := w.Process(ctx, evt.ID); err != nil {
			w.logger.Error("reconcile event failed", "event_id", evt.ID, "error", err)
		}
	}
	return len(events), nil
}

// Process re-applies one logged event and records the outcome. The returned
// error is non-nil only when the outcome itself could not be recorded.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) (string, error) {
	result, err := w.process(ctx, id)
	if w.observer != nil && result != "" {
		w.observer.ObserveReconcile(result)
	}
	return result, err
}

func (w *Worker) process(ctx context.Context, id uuid.UUID) (string, error) {
	evt, err := w.events.Get(ctx, id)
	if errors.Is(err, eventlog.ErrEventNotFound) {
		return ResultMissing, nil
	}
	if err != nil {
		return "", err
	}
	if evt.AttemptState != eventlog.AttemptPending && !evt.AttemptState.Reconcilable() {
		return ResultSkipped, nil
	}
	logger := w.logger.With("event_id", evt.ID, "message_id", evt.MessageID, "status", evt.Status)

	if evt.Attempts >= w.maxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts", evt.Attempts)
		if evt.LastError != "" {
			reason += ": " + evt.LastError
		}
		if err := w.events.DeadLetter(ctx, evt.ID, reason); err != nil {
			return "", err
		}
		logger.Warn("status event dead-lettered", "attempts", evt.Attempts, "last_state", evt.AttemptState)
		return ResultDeadLettered, nil
	}

	u, err := StatusUpdateFromEvent(evt)
	if err != nil {
		if dlErr := w.events.DeadLetter(ctx, evt.ID, err.Error()); dlErr != nil {
			return "", dlErr
		}
		return ResultDeadLettered, nil
	}

	res, applyErr := w.applier.Apply(ctx, u)
	if applyErr != nil {
		logger.Warn("reconcile apply failed", "error", applyErr)
		if err := w.events.MarkEventAttempt(ctx, evt.ID, eventlog.Attempt{State: eventlog.AttemptError, Error: applyErr.Error()}); err != nil {
			return "", err
		}
		return ResultError, nil
	}

	attempt := AttemptFor(res)
	if err := w.events.MarkEventAttempt(ctx, evt.ID, attempt); err != nil {
		return "", err
	}
	if attempt.State == eventlog.AttemptUnmatched {
		return ResultUnmatched, nil
	}
	if w.effects != nil {
		w.effects.Run(ctx, u, res)
	}
	logger.Info("status event reconciled", "outcome", res.Outcome)
	return ResultApplied, nil
}

// AttemptFor maps an apply result to the log entry recorded for it. Noop
// outcomes count as applied since the contact already reflects the event.
func AttemptFor(res delivery.Result) eventlog.Attempt {
	if res.Outcome == delivery.OutcomeUnmatched {
		return eventlog.Attempt{State: eventlog.AttemptUnmatched, Error: "campaign contact not found"}
	}
	attempt := eventlog.Attempt{State: eventlog.AttemptApplied}
	if c := res.Contact; c != nil {
		if c.CampaignID != uuid.Nil {
			campaignID := c.CampaignID
			attempt.CampaignID = &campaignID
		}
		if c.ID != uuid.Nil {
			contactID := c.ID
			attempt.CampaignContactID = &contactID
		}
	}
	return attempt
}

type storedPayload struct {
	RecipientID string `json:"recipient_id"`
}

// StatusUpdateFromEvent rebuilds the normalized update from a log row.
func StatusUpdateFromEvent(evt *eventlog.StatusEvent) (webhook.StatusUpdate, error) {
	status := webhook.Status(evt.Status)
	if !status.Valid() {
		return webhook.StatusUpdate{}, fmt.Errorf("reconcile: unknown status %q", evt.Status)
	}
	u := webhook.StatusUpdate{
		MessageID: evt.MessageID,
		Status:    status,
		Payload:   evt.Payload,
	}
	if evt.EventTimestamp != nil {
		u.Timestamp = *evt.EventTimestamp
	}
	if len(evt.RawErrors) > 0 {
		if err := json.Unmarshal(evt.RawErrors, &u.Errors); err != nil {
			return webhook.StatusUpdate{}, fmt.Errorf("reconcile: decode errors: %w", err)
		}
	}
	if len(evt.Payload) > 0 {
		var p storedPayload
		if err := json.Unmarshal(evt.Payload, &p); err == nil {
			u.RecipientID = p.RecipientID
		}
	}
	return u, nil
}
