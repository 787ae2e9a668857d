// Package suppression maintains the phone suppression list that keeps opted-out
// or undeliverable numbers out of future campaigns.
package suppression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sources recorded on suppression rows.
const (
	SourceProviderError  = "provider_error"
	SourceInboundKeyword = "inbound_keyword"
	SourceAutoHeuristic  = "auto_heuristic"
)

// Entry is one suppression upsert.
type Entry struct {
	Phone     string
	Reason    string
	Source    string
	Metadata  map[string]any
	IsActive  bool
	ExpiresAt *time.Time
}

// NormalizePhone reduces a phone number to "+<digits>".
func NormalizePhone(raw string) string {
	digits := PhoneDigits(raw)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// PhoneDigits strips everything but digits. Provider wa_ids and stored
// E.164 numbers compare equal on their digits.
func PhoneDigits(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists suppressions in Postgres. Rows are only inserted or updated.
type Store struct {
	db execQuerier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("suppression: pgx pool required")
	}
	return &Store{db: pool}
}

func newStoreWithDB(db execQuerier) *Store {
	return &Store{db: db}
}

// UpsertSuppression inserts or refreshes the suppression for entry.Phone. A
// permanent suppression is never downgraded to an expiring one.
func (s *Store) UpsertSuppression(ctx context.Context, e Entry) error {
	phone := NormalizePhone(e.Phone)
	if phone == "" {
		return errors.New("suppression: phone required")
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("suppression: encode metadata: %w", err)
	}
	var expires pgtype.Timestamptz
	if e.ExpiresAt != nil {
		expires = pgtype.Timestamptz{Time: e.ExpiresAt.UTC(), Valid: true}
	}
	query := `
		INSERT INTO phone_suppressions (phone, reason, source, metadata, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone) DO UPDATE SET
			reason = EXCLUDED.reason,
			source = EXCLUDED.source,
			metadata = EXCLUDED.metadata,
			is_active = EXCLUDED.is_active,
			expires_at = CASE
				WHEN phone_suppressions.is_active AND phone_suppressions.expires_at IS NULL THEN NULL
				ELSE EXCLUDED.expires_at
			END,
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, phone, e.Reason, e.Source, meta, e.IsActive, expires); err != nil {
		return fmt.Errorf("suppression: upsert: %w", err)
	}
	return nil
}

// IsSuppressed reports whether phone has an active, unexpired suppression.
func (s *Store) IsSuppressed(ctx context.Context, phone string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `
		SELECT 1 FROM phone_suppressions
		WHERE phone = $1 AND is_active AND (expires_at IS NULL OR expires_at > now())
	`, NormalizePhone(phone)).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("suppression: lookup: %w", err)
	}
	return true, nil
}

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry), now: time.Now}
}

func (m *MemoryStore) UpsertSuppression(_ context.Context, e Entry) error {
	phone := NormalizePhone(e.Phone)
	if phone == "" {
		return errors.New("suppression: phone required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[phone]; ok && prev.IsActive && prev.ExpiresAt == nil {
		e.ExpiresAt = nil
	}
	e.Phone = phone
	m.entries[phone] = e
	return nil
}

func (m *MemoryStore) IsSuppressed(_ context.Context, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[NormalizePhone(phone)]
	if !ok || !e.IsActive {
		return false, nil
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(m.now()), nil
}

// Get returns the stored entry for phone.
func (m *MemoryStore) Get(phone string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[NormalizePhone(phone)]
	return e, ok
}

// Len returns the number of stored suppressions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
