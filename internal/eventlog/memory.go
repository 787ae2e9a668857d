package eventlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process event log with the same state rules as Store.
type MemoryStore struct {
	mu          sync.Mutex
	byID        map[uuid.UUID]*StatusEvent
	byKey       map[string]uuid.UUID
	deadLetters map[uuid.UUID]string
	now         func() time.Time
	// Err, when set, is returned by every call. It models an unavailable database.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[uuid.UUID]*StatusEvent),
		byKey:       make(map[string]uuid.UUID),
		deadLetters: make(map[uuid.UUID]string),
		now:         time.Now,
	}
}

func (m *MemoryStore) RecordStatusEvent(_ context.Context, in StatusEventInput) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return uuid.Nil, m.Err
	}
	if in.MessageID == "" || in.Status == "" {
		return uuid.Nil, errors.New("eventlog: message id and status required")
	}
	key := in.MessageID + "|" + in.Status
	if id, ok := m.byKey[key]; ok {
		m.byID[id].UpdatedAt = m.now()
		return id, nil
	}
	now := m.now()
	evt := &StatusEvent{
		ID:           uuid.New(),
		MessageID:    in.MessageID,
		Status:       in.Status,
		RawErrors:    in.RawErrors,
		Payload:      in.Payload,
		AttemptState: AttemptPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !in.EventTimestamp.IsZero() {
		ts := in.EventTimestamp
		evt.EventTimestamp = &ts
	}
	m.byID[evt.ID] = evt
	m.byKey[key] = evt.ID
	return evt.ID, nil
}

func (m *MemoryStore) MarkEventAttempt(_ context.Context, id uuid.UUID, attempt Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	evt, ok := m.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	evt.AttemptState = attempt.State
	evt.Attempts++
	if attempt.CampaignID != nil {
		evt.CampaignID = attempt.CampaignID
	}
	if attempt.CampaignContactID != nil {
		evt.CampaignContactID = attempt.CampaignContactID
	}
	evt.LastError = attempt.Error
	evt.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	evt, ok := m.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *evt
	return &cp, nil
}

func (m *MemoryStore) ListReconcilable(_ context.Context, minAge time.Duration, limit int) ([]StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	cutoff := m.now().Add(-minAge)
	var out []StatusEvent
	for _, evt := range m.byID {
		if evt.AttemptState != AttemptPending && !evt.AttemptState.Reconcilable() {
			continue
		}
		if !evt.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeadLetter(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	evt, ok := m.byID[id]
	if !ok {
		return ErrEventNotFound
	}
	if _, exists := m.deadLetters[id]; !exists {
		m.deadLetters[id] = reason
	}
	evt.AttemptState = AttemptDeadLettered
	evt.UpdatedAt = m.now()
	return nil
}

// Find returns the event recorded for (messageID, status).
func (m *MemoryStore) Find(messageID, status string) (StatusEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[messageID+"|"+status]
	if !ok {
		return StatusEvent{}, false
	}
	return *m.byID[id], true
}

// DeadLetterReason returns the reason recorded when id was dead-lettered.
func (m *MemoryStore) DeadLetterReason(id uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.deadLetters[id]
	return r, ok
}

// Len reports the number of logged events.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// SetClock replaces the store's clock.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
