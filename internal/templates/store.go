// Package templates applies provider review outcomes to local message templates.
package templates

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/wa-campaigns/internal/webhook"
)

// Store updates the message_templates table.
type Store struct {
	db interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	}
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("templates: pgx pool required")
	}
	return &Store{db: pool}
}

// ApplyStatus records the provider event (APPROVED, REJECTED, PAUSED, ...) on
// the matching template and reports whether a row was found.
func (s *Store) ApplyStatus(ctx context.Context, u webhook.TemplateStatusUpdate) (bool, error) {
	status := strings.ToLower(strings.TrimSpace(u.Event))
	if status == "" {
		return false, fmt.Errorf("templates: empty event for template %s", u.TemplateID)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE message_templates
		SET status = $1,
		    rejection_reason = NULLIF($2, ''),
		    provider_template_id = COALESCE(NULLIF($3, ''), provider_template_id),
		    updated_at = now()
		WHERE (provider_template_id = NULLIF($3, ''))
		   OR (name = $4 AND language = $5)
	`, status, reasonFor(u), u.TemplateID, u.Name, u.Language)
	if err != nil {
		return false, fmt.Errorf("templates: apply status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func reasonFor(u webhook.TemplateStatusUpdate) string {
	if strings.EqualFold(u.Reason, "NONE") {
		return ""
	}
	return u.Reason
}
