// Package automation routes inbound text to keyword-triggered automations and
// dispatches matched runs to the execution endpoint.
package automation

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Automation is an active automation and its trigger keywords.
type Automation struct {
	ID       string
	Name     string
	Keywords []string
}

// Source lists active automations in priority order.
type Source interface {
	ListActive(ctx context.Context) ([]Automation, error)
}

// Store reads the automations table.
type Store struct {
	db interface {
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	}
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("automation: pgx pool required")
	}
	return &Store{db: pool}
}

func (s *Store) ListActive(ctx context.Context) ([]Automation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, name, trigger_keywords
		FROM automations
		WHERE is_active
		ORDER BY priority ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("automation: list active: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		var a Automation
		if err := rows.Scan(&a.ID, &a.Name, &a.Keywords); err != nil {
			return nil, fmt.Errorf("automation: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("automation: rows: %w", err)
	}
	return out, nil
}

// MatchReason says why an automation was selected.
type MatchReason string

const (
	MatchKeyword MatchReason = "keyword"
	MatchDefault MatchReason = "default"
)

// Match is the routing decision for one inbound message.
type Match struct {
	AutomationID string
	Reason       MatchReason
	Keyword      string
}

// Router picks the automation for an inbound text.
type Router struct {
	source Source
}

func NewRouter(source Source) *Router {
	return &Router{source: source}
}

// Route returns the first automation with a keyword equal to text after
// folding, or defaultID when nothing matches. ok is false when neither applies.
func (r *Router) Route(ctx context.Context, text, defaultID string) (Match, bool, error) {
	folded := Fold(text)
	if folded != "" && r.source != nil {
		automations, err := r.source.ListActive(ctx)
		if err != nil {
			return Match{}, false, err
		}
		for _, a := range automations {
			for _, kw := range a.Keywords {
				if k := Fold(kw); k != "" && k == folded {
					return Match{AutomationID: a.ID, Reason: MatchKeyword, Keyword: kw}, true, nil
				}
			}
		}
	}
	if id := strings.TrimSpace(defaultID); id != "" {
		return Match{AutomationID: id, Reason: MatchDefault}, true, nil
	}
	return Match{}, false, nil
}
