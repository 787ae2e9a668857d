package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/wa-campaigns/internal/providererrors"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
)

// Classifier maps provider error codes to a classification.
type Classifier interface {
	Classify(code int) providererrors.Classification
}

// Result is the outcome of applying one status update.
type Result struct {
	TransitionResult
	// Classification is set for failed updates that carried an error.
	Classification *providererrors.Classification
}

// Applied reports whether this call moved the contact.
func (r Result) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Applier is the delivery state machine's entry point. It is safe to call
// repeatedly with the same update: a replay is a noop.
type Applier struct {
	contacts   ContactStore
	classifier Classifier
	now        func() time.Time
}

func NewApplier(contacts ContactStore, classifier Classifier) *Applier {
	if contacts == nil {
		panic("delivery: contact store required")
	}
	if classifier == nil {
		classifier = providererrors.Classifier{}
	}
	return &Applier{contacts: contacts, classifier: classifier, now: time.Now}
}

// Apply moves the contact owning u.MessageID toward u.Status. Store failures
// are returned; an unknown message id is reported as OutcomeUnmatched.
func (a *Applier) Apply(ctx context.Context, u webhook.StatusUpdate) (Result, error) {
	at := u.Timestamp
	if at.IsZero() {
		at = a.now()
	}
	req := TransitionRequest{
		MessageID: u.MessageID,
		Target:    Status(u.Status),
		At:        at,
	}

	var classification *providererrors.Classification
	if u.Status == webhook.StatusFailed {
		detail := &FailureDetail{Category: string(providererrors.CategoryUnknown)}
		if perr, ok := u.PrimaryError(); ok {
			c := a.classifier.Classify(perr.Code)
			classification = &c
			detail = &FailureDetail{
				Code:      perr.Code,
				Title:     perr.Title,
				Message:   firstNonEmpty(perr.Message, c.Message),
				Details:   perr.Details,
				Category:  string(c.Category),
				Retryable: c.Retryable,
				Action:    c.Action,
			}
		}
		req.Failure = detail
	}

	tr, err := a.contacts.Transition(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("delivery: apply %s for %s: %w", u.Status, u.MessageID, err)
	}
	return Result{TransitionResult: tr, Classification: classification}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
