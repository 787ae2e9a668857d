package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrContactNotFound is returned when no campaign contact owns a message id.
var ErrContactNotFound = errors.New("delivery: campaign contact not found")

// CampaignContact is one recipient's delivery record within a campaign.
type CampaignContact struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	Phone       string
	MessageID   string
	Status      Status
	Failure     *FailureDetail
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time
	// TraceID and SpanID identify the send that created the contact, as W3C hex.
	TraceID string
	SpanID  string
}

// FailureDetail is the classified provider error persisted on a failed contact.
type FailureDetail struct {
	Code      int
	Title     string
	Message   string
	Details   string
	Category  string
	Retryable bool
	Action    string
}

// Outcome of applying one status event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeNoop      Outcome = "noop"
)

// TransitionRequest asks a store to move the contact owning MessageID to Target.
type TransitionRequest struct {
	MessageID string
	Target    Status
	At        time.Time
	Failure   *FailureDetail
}

// TransitionResult reports what the store did.
type TransitionResult struct {
	Outcome  Outcome
	Previous Status
	Decision Decision
	// Contact is the post-transition snapshot; nil when unmatched.
	Contact *CampaignContact
}

// ContactStore applies transitions atomically: the read of the current status,
// the guarded update and the campaign counter increments commit together.
type ContactStore interface {
	Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error)
}

// CampaignCounters are the aggregate delivery counters of a campaign.
type CampaignCounters struct {
	Delivered int
	Read      int
	Failed    int
}
