package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgContactStore applies transitions against campaign_contacts and campaigns.
type PgContactStore struct {
	db txBeginner
}

func NewPgContactStore(pool *pgxpool.Pool) *PgContactStore {
	if pool == nil {
		panic("delivery: pgx pool required")
	}
	return &PgContactStore{db: pool}
}

func newPgContactStoreWithDB(db txBeginner) *PgContactStore {
	if db == nil {
		panic("delivery: db required")
	}
	return &PgContactStore{db: db}
}

const contactColumns = `id, campaign_id, phone, message_id, status, trace_id, span_id`

// Transition locks the contact row, evaluates Decide and applies a guarded
// update plus counter increments in one transaction.
func (s *PgContactStore) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("delivery: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	contact, err := scanContact(tx.QueryRow(ctx,
		`SELECT `+contactColumns+` FROM campaign_contacts WHERE message_id = $1 FOR UPDATE`, req.MessageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return TransitionResult{Outcome: OutcomeUnmatched}, nil
	}
	if err != nil {
		return TransitionResult{}, fmt.Errorf("delivery: lock contact: %w", err)
	}

	previous := contact.Status
	decision := Decide(previous, req.Target)
	result := TransitionResult{Outcome: OutcomeNoop, Previous: previous, Decision: decision, Contact: contact}
	if !decision.Transition {
		return result, nil
	}

	at := req.At.UTC()
	var affected int64
	if req.Target == StatusFailed {
		f := req.Failure
		if f == nil {
			f = &FailureDetail{}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE campaign_contacts
			SET status = 'failed', failed_at = $2,
			    error_code = $3, error_title = $4, error_message = $5, error_details = $6,
			    error_category = $7, error_retryable = $8, error_action = $9,
			    updated_at = now()
			WHERE id = $1 AND status <> 'failed'
		`, contact.ID, at, f.Code, f.Title, f.Message, f.Details, f.Category, f.Retryable, f.Action)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("delivery: mark failed: %w", err)
		}
		affected = tag.RowsAffected()
		contact.Failure = f
		contact.FailedAt = &at
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE campaign_contacts
			SET status = $2,
			    delivered_at = CASE WHEN $3::bool THEN COALESCE(delivered_at, $5) ELSE delivered_at END,
			    read_at = CASE WHEN $4::bool THEN COALESCE(read_at, $5) ELSE read_at END,
			    updated_at = now()
			WHERE id = $1 AND status = $6
		`, contact.ID, string(req.Target), decision.SetDeliveredAt, decision.SetReadAt, at, string(previous))
		if err != nil {
			return TransitionResult{}, fmt.Errorf("delivery: advance status: %w", err)
		}
		affected = tag.RowsAffected()
		if decision.SetDeliveredAt {
			contact.DeliveredAt = &at
		}
		if decision.SetReadAt {
			contact.ReadAt = &at
		}
	}
	if affected == 0 {
		result.Decision = Decision{Reason: "status changed concurrently"}
		return result, nil
	}

	if !decision.Counters.Zero() {
		if _, err := tx.Exec(ctx, `
			UPDATE campaigns
			SET delivered_count = delivered_count + $2,
			    read_count = read_count + $3,
			    failed_count = failed_count + $4,
			    updated_at = now()
			WHERE id = $1
		`, contact.CampaignID, decision.Counters.Delivered, decision.Counters.Read, decision.Counters.Failed); err != nil {
			return TransitionResult{}, fmt.Errorf("delivery: bump counters: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return TransitionResult{}, fmt.Errorf("delivery: commit: %w", err)
	}

	contact.Status = req.Target
	result.Outcome = OutcomeApplied
	return result, nil
}

func scanContact(row pgx.Row) (*CampaignContact, error) {
	var (
		c       CampaignContact
		status  string
		traceID pgtype.Text
		spanID  pgtype.Text
	)
	if err := row.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.MessageID, &status, &traceID, &spanID); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if traceID.Valid {
		c.TraceID = traceID.String
	}
	if spanID.Valid {
		c.SpanID = spanID.String
	}
	return &c, nil
}
