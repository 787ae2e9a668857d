package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

var eventColumns = []string{
	"id", "message_id", "status", "event_timestamp", "raw_errors", "payload", "attempt_state", "attempts",
	"campaign_id", "campaign_contact_id", "last_error", "created_at", "updated_at",
}

func TestRecordStatusEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO status_events").
		WithArgs(pgxmock.AnyArg(), "wamid.A", "delivered", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "pending").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))

	got, err := store.RecordStatusEvent(context.Background(), StatusEventInput{
		MessageID:      "wamid.A",
		Status:         "delivered",
		EventTimestamp: time.Unix(1700000000, 0),
		Payload:        json.RawMessage(`{"id":"wamid.A"}`),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got != id {
		t.Fatalf("expected id %s, got %s", id, got)
	}

	if _, err := store.RecordStatusEvent(context.Background(), StatusEventInput{Status: "read"}); err == nil {
		t.Fatalf("expected validation error for missing message id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordStatusEventStoreDown(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)
	mock.ExpectQuery("INSERT INTO status_events").WillReturnError(errors.New("connection refused"))

	if _, err := store.RecordStatusEvent(context.Background(), StatusEventInput{MessageID: "m", Status: "sent"}); err == nil {
		t.Fatalf("expected error when store is down")
	}
}

func TestMarkEventAttempt(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)
	id := uuid.New()
	campaignID := uuid.New()
	contactID := uuid.New()

	mock.ExpectExec("UPDATE status_events").
		WithArgs(id, "applied", pgxmock.AnyArg(), pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.MarkEventAttempt(context.Background(), id, Attempt{
		State:             AttemptApplied,
		CampaignID:        &campaignID,
		CampaignContactID: &contactID,
	}); err != nil {
		t.Fatalf("mark: %v", err)
	}

	mock.ExpectExec("UPDATE status_events").
		WithArgs(id, "error", pgxmock.AnyArg(), pgxmock.AnyArg(), "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.MarkEventAttempt(context.Background(), id, Attempt{State: AttemptError, Error: "boom"})
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)
	id := uuid.New()
	contact := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("FROM status_events").WithArgs(id).WillReturnRows(
		pgxmock.NewRows(eventColumns).AddRow(
			id, "wamid.B", "failed", pgtype.Timestamptz{Time: now, Valid: true},
			json.RawMessage(`[{"code":131050}]`), json.RawMessage(`{}`), "unmatched", 2,
			pgtype.UUID{}, pgtype.UUID{Bytes: contact, Valid: true}, pgtype.Text{String: "no contact", Valid: true},
			now, now,
		))

	evt, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if evt.AttemptState != AttemptUnmatched || evt.Attempts != 2 {
		t.Fatalf("unexpected state %+v", evt)
	}
	if evt.CampaignID != nil {
		t.Fatalf("expected nil campaign id")
	}
	if evt.CampaignContactID == nil || *evt.CampaignContactID != contact {
		t.Fatalf("expected contact id %s", contact)
	}
	if evt.LastError != "no contact" || evt.EventTimestamp == nil {
		t.Fatalf("unexpected nullable fields %+v", evt)
	}

	mock.ExpectQuery("FROM status_events").WithArgs(id).WillReturnError(pgx.ErrNoRows)
	if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestListReconcilable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	rows := pgxmock.NewRows(eventColumns)
	for i := 0; i < 2; i++ {
		rows.AddRow(uuid.New(), "wamid.X", "read", pgtype.Timestamptz{}, json.RawMessage(`[]`), json.RawMessage(`{}`),
			"error", i+1, pgtype.UUID{}, pgtype.UUID{}, pgtype.Text{}, fixed, fixed)
	}
	mock.ExpectQuery("attempt_state IN").WithArgs(fixed.Add(-time.Minute), 10).WillReturnRows(rows)

	events, err := store.ListReconcilable(context.Background(), time.Minute, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].AttemptState.Reconcilable() {
		t.Fatalf("expected reconcilable state")
	}
}

func TestDeadLetter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	store := newStoreWithDB(mock)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO status_event_dead_letters").WithArgs(id, "max attempts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE status_events SET attempt_state").WithArgs(id, "dead_lettered").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := store.DeadLetter(context.Background(), id, "max attempts"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	mock.ExpectExec("UPDATE status_events").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.Requeue(context.Background(), id); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
