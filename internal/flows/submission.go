package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Answer is one resolved field of a submission.
type Answer struct {
	Field   string   `json:"field"`
	Label   string   `json:"label"`
	Values  []string `json:"values"`
	Display string   `json:"display"`
}

// Submission is a parsed flow reply ready to persist.
type Submission struct {
	MessageID    string          `json:"message_id"`
	Phone        string          `json:"phone"`
	ContactName  string          `json:"contact_name,omitempty"`
	FlowToken    string          `json:"flow_token,omitempty"`
	FlowName     string          `json:"flow_name,omitempty"`
	FlowID       string          `json:"flow_id,omitempty"`
	Response     json.RawMessage `json:"response"`
	Answers      []Answer        `json:"answers"`
	Confirmation string          `json:"confirmation,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// ParseResponse decodes a flow response_json into answers, resolving option
// ids with def when available. Keys are emitted in sorted order.
func ParseResponse(raw string, def *Definition) (flowToken string, answers []Answer, err error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", nil, fmt.Errorf("flows: parse response: %w", err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "flow_token" {
			flowToken, _ = fields[k].(string)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		values := stringValues(fields[field])
		if len(values) == 0 {
			continue
		}
		display := make([]string, len(values))
		for i, v := range values {
			display[i] = def.Label(field, v)
		}
		answers = append(answers, Answer{
			Field:   field,
			Label:   def.FieldLabel(field),
			Values:  values,
			Display: strings.Join(display, ", "),
		})
	}
	return flowToken, answers, nil
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, stringValues(item)...)
		}
		return out
	case bool:
		if t {
			return []string{"true"}
		}
		return []string{"false"}
	case float64:
		return []string{strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")}
	default:
		b, _ := json.Marshal(t)
		return []string{string(b)}
	}
}

// RenderConfirmation fills {{field}}, {{name}} and {{answers}} placeholders.
// Unknown placeholders are left as-is.
func RenderConfirmation(template string, sub Submission) string {
	if strings.TrimSpace(template) == "" {
		return ""
	}
	pairs := []string{"{{name}}", sub.ContactName}
	lines := make([]string, 0, len(sub.Answers))
	for _, a := range sub.Answers {
		pairs = append(pairs, "{{"+a.Field+"}}", a.Display)
		lines = append(lines, fmt.Sprintf("%s: %s", a.Label, a.Display))
	}
	pairs = append(pairs, "{{answers}}", strings.Join(lines, "\n"))
	return strings.NewReplacer(pairs...).Replace(template)
}

// Store persists submissions in flow_submissions.
type Store struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("flows: pgx pool required")
	}
	return &Store{db: pool}
}

// Upsert writes sub keyed by message id and reports whether the row is new.
func (s *Store) Upsert(ctx context.Context, sub Submission) (bool, error) {
	answers, err := json.Marshal(sub.Answers)
	if err != nil {
		return false, fmt.Errorf("flows: marshal answers: %w", err)
	}
	response := []byte(sub.Response)
	if len(response) == 0 {
		response = []byte("{}")
	}
	var inserted bool
	err = s.db.QueryRow(ctx, `
		INSERT INTO flow_submissions (message_id, phone, contact_name, flow_token, flow_name, flow_id, response, answers, confirmation, received_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10)
		ON CONFLICT (message_id) DO UPDATE SET
			response = EXCLUDED.response,
			answers = EXCLUDED.answers,
			confirmation = EXCLUDED.confirmation,
			updated_at = now()
		RETURNING (xmax = 0)
	`, sub.MessageID, sub.Phone, sub.ContactName, sub.FlowToken, sub.FlowName, sub.FlowID, response, answers, sub.Confirmation, sub.ReceivedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("flows: upsert submission %s: %w", sub.MessageID, err)
	}
	return inserted, nil
}

// MemoryStore keeps submissions in a map.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Submission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: map[string]Submission{}}
}

func (m *MemoryStore) Upsert(_ context.Context, sub Submission) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.rows[sub.MessageID]
	m.rows[sub.MessageID] = sub
	return !exists, nil
}

func (m *MemoryStore) Get(messageID string) (Submission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[messageID]
	return s, ok
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
