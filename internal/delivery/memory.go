package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-campaigns/internal/suppression"
)

// MemoryContactStore is an in-process ContactStore with the same transition
// semantics as PgContactStore.
type MemoryContactStore struct {
	mu        sync.Mutex
	contacts  map[string]*CampaignContact
	campaigns map[uuid.UUID]*CampaignCounters
	// FailNext, when set, is returned by the next Transition call.
	FailNext error
}

func NewMemoryContactStore() *MemoryContactStore {
	return &MemoryContactStore{
		contacts:  make(map[string]*CampaignContact),
		campaigns: make(map[uuid.UUID]*CampaignCounters),
	}
}

// Add seeds a contact. Missing ids are generated.
func (m *MemoryContactStore) Add(c CampaignContact) CampaignContact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CampaignID == uuid.Nil {
		c.CampaignID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusSent
	}
	stored := c
	m.contacts[c.MessageID] = &stored
	if _, ok := m.campaigns[c.CampaignID]; !ok {
		m.campaigns[c.CampaignID] = &CampaignCounters{}
	}
	return c
}

// Get returns a copy of the contact owning messageID.
func (m *MemoryContactStore) Get(messageID string) (CampaignContact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[messageID]
	if !ok {
		return CampaignContact{}, false
	}
	return *c, true
}

// Counters returns a copy of the campaign's counters.
func (m *MemoryContactStore) Counters(campaignID uuid.UUID) CampaignCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[campaignID]; ok {
		return *c
	}
	return CampaignCounters{}
}

func (m *MemoryContactStore) Transition(_ context.Context, req TransitionRequest) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return TransitionResult{}, err
	}

	c, ok := m.contacts[req.MessageID]
	if !ok {
		return TransitionResult{Outcome: OutcomeUnmatched}, nil
	}
	previous := c.Status
	decision := Decide(previous, req.Target)
	if !decision.Transition {
		snapshot := *c
		return TransitionResult{Outcome: OutcomeNoop, Previous: previous, Decision: decision, Contact: &snapshot}, nil
	}

	at := req.At.UTC()
	c.Status = req.Target
	if req.Target == StatusFailed {
		f := req.Failure
		if f == nil {
			f = &FailureDetail{}
		}
		detail := *f
		c.Failure = &detail
		c.FailedAt = &at
	}
	if decision.SetDeliveredAt && c.DeliveredAt == nil {
		c.DeliveredAt = &at
	}
	if decision.SetReadAt && c.ReadAt == nil {
		c.ReadAt = &at
	}
	counters := m.campaigns[c.CampaignID]
	if counters == nil {
		counters = &CampaignCounters{}
		m.campaigns[c.CampaignID] = counters
	}
	counters.Delivered += decision.Counters.Delivered
	counters.Read += decision.Counters.Read
	counters.Failed += decision.Counters.Failed

	snapshot := *c
	return TransitionResult{Outcome: OutcomeApplied, Previous: previous, Decision: decision, Contact: &snapshot}, nil
}

// CountRecentFailures counts failed contacts whose phone digits equal phone
// with one of codes since the cutoff.
func (m *MemoryContactStore) CountRecentFailures(_ context.Context, phone string, codes []int, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[int]bool, len(codes))
	for _, code := range codes {
		wanted[code] = true
	}
	n := 0
	for _, c := range m.contacts {
		if suppression.PhoneDigits(c.Phone) != phone || c.Status != StatusFailed || c.Failure == nil || c.FailedAt == nil {
			continue
		}
		if wanted[c.Failure.Code] && !c.FailedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

var _ ContactStore = (*MemoryContactStore)(nil)
var _ ContactStore = (*PgContactStore)(nil)
