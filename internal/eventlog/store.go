// Package eventlog is the durable append-then-update record of every accepted
// message-status event and its processing outcome.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEventNotFound is returned when an event id has no row.
var ErrEventNotFound = errors.New("eventlog: event not found")

// AttemptState is the processing outcome recorded for an event.
type AttemptState string

const (
	AttemptPending      AttemptState = "pending"
	AttemptApplied      AttemptState = "applied"
	AttemptUnmatched    AttemptState = "unmatched"
	AttemptError        AttemptState = "error"
	AttemptDeadLettered AttemptState = "dead_lettered"
)

// Reconcilable reports whether the background reconciler should retry the event.
func (s AttemptState) Reconcilable() bool {
	return s == AttemptUnmatched || s == AttemptError
}

// StatusEventInput is what the pipeline records before applying an event.
type StatusEventInput struct {
	MessageID      string
	Status         string
	EventTimestamp time.Time
	RawErrors      json.RawMessage
	Payload        json.RawMessage
}

// Attempt is the outcome written back after an apply.
type Attempt struct {
	State             AttemptState
	CampaignID        *uuid.UUID
	CampaignContactID *uuid.UUID
	Error             string
}

// StatusEvent is one durable log row.
type StatusEvent struct {
	ID                uuid.UUID
	MessageID         string
	Status            string
	EventTimestamp    *time.Time
	RawErrors         json.RawMessage
	Payload           json.RawMessage
	AttemptState      AttemptState
	Attempts          int
	CampaignID        *uuid.UUID
	CampaignContactID *uuid.UUID
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists status events in Postgres.
type Store struct {
	db  querier
	now func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("eventlog: pgx pool required")
	}
	return &Store{db: pool, now: time.Now}
}

func newStoreWithDB(db querier) *Store {
	if db == nil {
		panic("eventlog: db required")
	}
	return &Store{db: db, now: time.Now}
}

// RecordStatusEvent inserts the event in the pending state. A redelivered
// (message id, status) pair returns the id of the existing row.
func (s *Store) RecordStatusEvent(ctx context.Context, in StatusEventInput) (uuid.UUID, error) {
	if in.MessageID == "" || in.Status == "" {
		return uuid.Nil, errors.New("eventlog: message id and status required")
	}
	query := `
		INSERT INTO status_events (id, message_id, status, event_timestamp, raw_errors, payload, attempt_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id, status) DO UPDATE SET updated_at = now()
		RETURNING id
	`
	var id uuid.UUID
	err := s.db.QueryRow(ctx, query,
		uuid.New(), in.MessageID, in.Status, nullTime(in.EventTimestamp),
		jsonOrEmpty(in.RawErrors, "[]"), jsonOrEmpty(in.Payload, "{}"), string(AttemptPending),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("eventlog: record status event: %w", err)
	}
	return id, nil
}

// MarkEventAttempt writes the outcome of one processing attempt.
func (s *Store) MarkEventAttempt(ctx context.Context, id uuid.UUID, attempt Attempt) error {
	query := `
		UPDATE status_events
		SET attempt_state = $2,
		    attempts = attempts + 1,
		    campaign_id = COALESCE($3, campaign_id),
		    campaign_contact_id = COALESCE($4, campaign_contact_id),
		    last_error = NULLIF($5, ''),
		    updated_at = now()
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, id, string(attempt.State),
		nullUUID(attempt.CampaignID), nullUUID(attempt.CampaignContactID), attempt.Error)
	if err != nil {
		return fmt.Errorf("eventlog: mark attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

const selectColumns = `
	SELECT id, message_id, status, event_timestamp, raw_errors, payload, attempt_state, attempts,
	       campaign_id, campaign_contact_id, last_error, created_at, updated_at
	FROM status_events
`

// Get loads one event.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*StatusEvent, error) {
	evt, err := scanEvent(s.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("eventlog: get: %w", err)
	}
	return evt, nil
}

// ListReconcilable returns events left pending, unmatched or errored for at least
// minAge, oldest first. Stale pending rows are crash leftovers.
func (s *Store) ListReconcilable(ctx context.Context, minAge time.Duration, limit int) ([]StatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := s.now().UTC().Add(-minAge)
	rows, err := s.db.Query(ctx, selectColumns+`
		WHERE attempt_state IN ('pending', 'unmatched', 'error') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list reconcilable: %w", err)
	}
	defer rows.Close()

	var out []StatusEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: scan reconcilable: %w", err)
		}
		out = append(out, *evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: list reconcilable: %w", err)
	}
	return out, nil
}

// DeadLetter copies the event into the dead-letter table and parks it.
func (s *Store) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO status_event_dead_letters (event_id, message_id, status, payload, attempts, last_error, reason)
		SELECT id, message_id, status, payload, attempts, last_error, $2
		FROM status_events
		WHERE id = $1
		ON CONFLICT (event_id) DO NOTHING
	`, id, reason); err != nil {
		return fmt.Errorf("eventlog: insert dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE status_events SET attempt_state = $2, updated_at = now() WHERE id = $1
	`, id, string(AttemptDeadLettered)); err != nil {
		return fmt.Errorf("eventlog: park event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("eventlog: commit dead letter: %w", err)
	}
	return nil
}

// Requeue resets a dead-lettered event so the sweep picks it up again.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE status_events
		SET attempt_state = 'error', attempts = 0, updated_at = to_timestamp(0)
		WHERE id = $1 AND attempt_state = 'dead_lettered'
	`, id)
	if err != nil {
		return fmt.Errorf("eventlog: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (*StatusEvent, error) {
	var (
		evt        StatusEvent
		state      string
		eventTS    pgtype.Timestamptz
		campaignID pgtype.UUID
		contactID  pgtype.UUID
		lastError  pgtype.Text
	)
	if err := row.Scan(&evt.ID, &evt.MessageID, &evt.Status, &eventTS, &evt.RawErrors, &evt.Payload,
		&state, &evt.Attempts, &campaignID, &contactID, &lastError, &evt.CreatedAt, &evt.UpdatedAt); err != nil {
		return nil, err
	}
	evt.AttemptState = AttemptState(state)
	if eventTS.Valid {
		ts := eventTS.Time
		evt.EventTimestamp = &ts
	}
	evt.CampaignID = fromPgUUID(campaignID)
	evt.CampaignContactID = fromPgUUID(contactID)
	if lastError.Valid {
		evt.LastError = lastError.String
	}
	return &evt, nil
}

func nullTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func nullUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil || *id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func fromPgUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := uuid.UUID(id.Bytes)
	return &u
}

func jsonOrEmpty(raw json.RawMessage, empty string) []byte {
	if len(raw) == 0 {
		return []byte(empty)
	}
	return raw
}
