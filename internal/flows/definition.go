package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Definition is the static shape of a published flow, reduced to what is
// needed to render answers: field labels and option titles.
type Definition struct {
	FlowID      string
	Name        string
	FieldLabels map[string]string
	Options     map[string]map[string]string
}

// ParseDefinition walks a flow JSON document and collects every component
// that has a name, recording its label and its data-source options.
func ParseDefinition(flowID, name string, raw []byte) (*Definition, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("flows: parse definition %s: %w", flowID, err)
	}
	def := &Definition{
		FlowID:      flowID,
		Name:        name,
		FieldLabels: map[string]string{},
		Options:     map[string]map[string]string{},
	}
	def.collect(doc)
	return def, nil
}

func (d *Definition) collect(node any) {
	switch v := node.(type) {
	case []any:
		for _, child := range v {
			d.collect(child)
		}
	case map[string]any:
		if field, ok := v["name"].(string); ok && field != "" {
			if label, ok := v["label"].(string); ok && label != "" {
				d.FieldLabels[field] = label
			}
			if opts, ok := v["data-source"].([]any); ok {
				for _, o := range opts {
					opt, ok := o.(map[string]any)
					if !ok {
						continue
					}
					id, _ := opt["id"].(string)
					title, _ := opt["title"].(string)
					if id == "" || title == "" {
						continue
					}
					if d.Options[field] == nil {
						d.Options[field] = map[string]string{}
					}
					d.Options[field][id] = title
				}
			}
		}
		for _, child := range v {
			d.collect(child)
		}
	}
}

// Label returns the human title for option id of field, or id itself.
func (d *Definition) Label(field, id string) string {
	if d != nil {
		if title, ok := d.Options[field][id]; ok {
			return title
		}
	}
	return id
}

// FieldLabel returns the display label of field, or the field name.
func (d *Definition) FieldLabel(field string) string {
	if d != nil {
		if label, ok := d.FieldLabels[field]; ok {
			return label
		}
	}
	return field
}

// DefinitionSource finds the flow a submission belongs to.
type DefinitionSource interface {
	LookupDefinition(ctx context.Context, flowToken, flowName string) (*Definition, error)
}

// PgDefinitionSource reads published flows from the flows table.
type PgDefinitionSource struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
}

func NewPgDefinitionSource(pool *pgxpool.Pool) *PgDefinitionSource {
	if pool == nil {
		panic("flows: pgx pool required")
	}
	return &PgDefinitionSource{db: pool}
}

// LookupDefinition matches on flow token first, then name. A missing flow is
// not an error; answers are then rendered with raw ids.
func (s *PgDefinitionSource) LookupDefinition(ctx context.Context, flowToken, flowName string) (*Definition, error) {
	var (
		id   string
		name string
		raw  []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id::text, name, definition
		FROM flows
		WHERE (flow_token = NULLIF($1, '')) OR (name = NULLIF($2, ''))
		ORDER BY (flow_token = NULLIF($1, '')) DESC NULLS LAST, updated_at DESC
		LIMIT 1
	`, flowToken, flowName).Scan(&id, &name, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flows: lookup definition: %w", err)
	}
	return ParseDefinition(id, name, raw)
}
