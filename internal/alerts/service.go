// Package alerts records account-level alerts raised by critical provider
// errors and optionally emails them to operators.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// Severity of an alert row.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Alert is one account alert.
type Alert struct {
	Kind       string
	Severity   Severity
	Code       int
	Title      string
	Message    string
	Action     string
	CampaignID *uuid.UUID
	ContactID  *uuid.UUID
	MessageID  string
	Phone      string
	Metadata   map[string]any
}

// DedupeKey collapses repeated alerts for the same message and code into one row.
func (a Alert) DedupeKey() string {
	return fmt.Sprintf("%s:%d:%s", a.Kind, a.Code, a.MessageID)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists alerts.
type Store struct {
	db rowQuerier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("alerts: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithDB(db rowQuerier) *Store {
	return &Store{db: db}
}

// Insert stores the alert and reports whether a new row was created.
func (s *Store) Insert(ctx context.Context, a Alert) (uuid.UUID, bool, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("alerts: encode metadata: %w", err)
	}
	query := `
		INSERT INTO account_alerts (id, kind, severity, code, title, message, action, campaign_id, campaign_contact_id, message_id, phone, metadata, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`
	var id uuid.UUID
	err = s.db.QueryRow(ctx, query, uuid.New(), a.Kind, string(a.Severity), a.Code, a.Title, a.Message, a.Action,
		pgUUID(a.CampaignID), pgUUID(a.ContactID), a.MessageID, a.Phone, meta, a.DedupeKey()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("alerts: insert: %w", err)
	}
	return id, true, nil
}

func pgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

type alertInserter interface {
	Insert(ctx context.Context, a Alert) (uuid.UUID, bool, error)
}

// Service raises alerts: one row per dedupe key plus an optional email.
type Service struct {
	store   alertInserter
	email   EmailSender
	emailTo string
	logger  *logging.Logger
}

// NewService builds the alert service. email may be nil, in which case alerts
// are only stored.
func NewService(store alertInserter, email EmailSender, emailTo string, logger *logging.Logger) *Service {
	if store == nil {
		panic("alerts: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{store: store, email: email, emailTo: strings.TrimSpace(emailTo), logger: logger}
}

// Raise stores the alert. Notification failures are logged and never returned.
func (s *Service) Raise(ctx context.Context, a Alert) error {
	if a.Kind == "" {
		a.Kind = "provider_error"
	}
	if a.Severity == "" {
		a.Severity = SeverityCritical
	}
	id, created, err := s.store.Insert(ctx, a)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Debug("alert already raised", "dedupe_key", a.DedupeKey())
		return nil
	}
	s.logger.Warn("account alert raised", "alert_id", id, "code", a.Code, "title", a.Title, "message_id", a.MessageID)

	if s.email == nil || s.emailTo == "" {
		return nil
	}
	if err := s.email.Send(ctx, EmailMessage{
		To:      s.emailTo,
		Subject: fmt.Sprintf("[WhatsApp alert] %s (code %d)", a.Title, a.Code),
		Body:    formatBody(a),
	}); err != nil {
		s.logger.Error("alert email failed", "alert_id", id, "error", err)
	}
	return nil
}

func formatBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.Message)
	fmt.Fprintf(&b, "Error code: %d\n", a.Code)
	if a.Action != "" {
		fmt.Fprintf(&b, "Recommended action: %s\n", a.Action)
	}
	if a.CampaignID != nil {
		fmt.Fprintf(&b, "Campaign: %s\n", a.CampaignID)
	}
	if a.MessageID != "" {
		fmt.Fprintf(&b, "Message: %s\n", a.MessageID)
	}
	return b.String()
}
