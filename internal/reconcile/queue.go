// Package reconcile re-attempts status events that were left unmatched or
// errored, and dead-letters the ones that never resolve.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the transport between the webhook and the reconcile worker.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue item.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Cause explains why an event needs reconciliation.
type Cause string

const (
	CauseUnmatched  Cause = "unmatched"
	CauseApplyError Cause = "apply_error"
	CauseDegraded   Cause = "degraded"
)

// Reason identifies the event to reconcile.
type Reason struct {
	EventID   uuid.UUID `json:"event_id"`
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	Cause     Cause     `json:"cause"`
	Detail    string    `json:"detail,omitempty"`
}

type job struct {
	ID         string    `json:"id"`
	Reason     Reason    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encodeJob(r Reason, now time.Time) (string, error) {
	body, err := json.Marshal(job{ID: uuid.NewString(), Reason: r, EnqueuedAt: now.UTC()})
	if err != nil {
		return "", fmt.Errorf("reconcile: encode job: %w", err)
	}
	return string(body), nil
}

func decodeJob(body string) (job, error) {
	var j job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return job{}, fmt.Errorf("reconcile: decode job: %w", err)
	}
	return j, nil
}
