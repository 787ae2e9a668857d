// Package inbox maintains the conversation read-model shown in the dashboard
// inbox: inbound messages and the delivery status of outbound ones.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/wa-campaigns/internal/webhook"
)

// Direction of a mirrored message.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// statusRank orders outbound statuses so the mirror never moves backward.
func statusRank(status string) int {
	switch status {
	case string(webhook.StatusSent):
		return 1
	case string(webhook.StatusDelivered):
		return 2
	case string(webhook.StatusRead):
		return 3
	case string(webhook.StatusFailed):
		return 4
	}
	return 0
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes the inbox read-model to Postgres.
type Store struct {
	db execer
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("inbox: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithDB(db execer) *Store {
	return &Store{db: db}
}

// UpsertInbound records an inbound message. Redelivery updates the same row.
func (s *Store) UpsertInbound(ctx context.Context, msg webhook.InboundMessage) error {
	if msg.MessageID == "" {
		return errors.New("inbox: message id required")
	}
	received := msg.Timestamp
	if received.IsZero() {
		received = time.Now().UTC()
	}
	query := `
		INSERT INTO inbox_messages (id, message_id, direction, phone, contact_name, message_type, body, reply_id, context_message_id, phone_number_id, occurred_at)
		VALUES ($1, $2, 'inbound', $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO UPDATE SET
			contact_name = COALESCE(NULLIF(EXCLUDED.contact_name, ''), inbox_messages.contact_name),
			body = EXCLUDED.body,
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, uuid.New(), msg.MessageID, msg.From, msg.ContactName, msg.Type,
		msg.Text, msg.ReplyID, msg.ContextMessageID, msg.PhoneNumberID, received.UTC()); err != nil {
		return fmt.Errorf("inbox: upsert inbound: %w", err)
	}
	return nil
}

// MirrorStatus copies an outbound delivery status onto the inbox row for
// messageID. Rows that are missing or already further along are left alone.
func (s *Store) MirrorStatus(ctx context.Context, messageID, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `
		UPDATE inbox_messages
		SET status = $2, status_rank = $3, status_at = $4, updated_at = now()
		WHERE message_id = $1 AND direction = 'outbound' AND status_rank < $3
	`
	if _, err := s.db.Exec(ctx, query, messageID, status, statusRank(status), at.UTC()); err != nil {
		return fmt.Errorf("inbox: mirror status: %w", err)
	}
	return nil
}

// Entry is an in-memory inbox row.
type Entry struct {
	MessageID   string
	Direction   string
	Phone       string
	ContactName string
	Body        string
	Status      string
	StatusAt    time.Time
}

// MemoryStore is an in-process read-model for tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Entry)}
}

// AddOutbound seeds an outbound row, as the campaign sender would.
func (m *MemoryStore) AddOutbound(messageID, phone, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[messageID] = Entry{MessageID: messageID, Direction: DirectionOutbound, Phone: phone, Status: status}
}

func (m *MemoryStore) UpsertInbound(_ context.Context, msg webhook.InboundMessage) error {
	if msg.MessageID == "" {
		return errors.New("inbox: message id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.rows[msg.MessageID]
	name := msg.ContactName
	if name == "" {
		name = prev.ContactName
	}
	m.rows[msg.MessageID] = Entry{MessageID: msg.MessageID, Direction: DirectionInbound, Phone: msg.From, ContactName: name, Body: msg.Text}
	return nil
}

func (m *MemoryStore) MirrorStatus(_ context.Context, messageID, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[messageID]
	if !ok || row.Direction != DirectionOutbound || statusRank(row.Status) >= statusRank(status) {
		return nil
	}
	row.Status = status
	row.StatusAt = at
	m.rows[messageID] = row
	return nil
}

// Get returns the row for messageID.
func (m *MemoryStore) Get(messageID string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[messageID]
	return e, ok
}

// Len returns the number of rows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
