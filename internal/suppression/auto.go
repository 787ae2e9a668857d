package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// FailureCounter counts recent undeliverable failures for a phone. The phone
// is passed as digits only and must match stored phones in any format.
type FailureCounter interface {
	CountRecentFailures(ctx context.Context, phone string, codes []int, since time.Time) (int, error)
}

// Upserter writes suppression rows.
type Upserter interface {
	UpsertSuppression(ctx context.Context, e Entry) error
}

// AutoConfig tunes the heuristic.
type AutoConfig struct {
	Threshold int
	Window    time.Duration
	TTL       time.Duration
	// Codes are the provider error codes that count toward Threshold.
	Codes []int
}

// AutoSuppressor temporarily suppresses phones that keep failing as undeliverable.
type AutoSuppressor struct {
	counter FailureCounter
	store   Upserter
	cfg     AutoConfig
	logger  *logging.Logger
	now     func() time.Time
}

func NewAutoSuppressor(counter FailureCounter, store Upserter, cfg AutoConfig, logger *logging.Logger) *AutoSuppressor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AutoSuppressor{counter: counter, store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Evaluate suppresses phone when its recent undeliverable failures reach the
// threshold. It reports whether a suppression was written.
func (a *AutoSuppressor) Evaluate(ctx context.Context, phone string) (bool, error) {
	if a == nil || a.counter == nil || a.store == nil || len(a.cfg.Codes) == 0 {
		return false, nil
	}
	digits := PhoneDigits(phone)
	if digits == "" {
		return false, nil
	}
	now := a.now().UTC()
	count, err := a.counter.CountRecentFailures(ctx, digits, a.cfg.Codes, now.Add(-a.cfg.Window))
	if err != nil {
		return false, fmt.Errorf("suppression: count failures: %w", err)
	}
	if count < a.cfg.Threshold {
		return false, nil
	}
	expires := now.Add(a.cfg.TTL)
	if err := a.store.UpsertSuppression(ctx, Entry{
		Phone:     "+" + digits,
		Reason:    "repeated undeliverable failures",
		Source:    SourceAutoHeuristic,
		Metadata:  map[string]any{"failures": count, "window": a.cfg.Window.String()},
		IsActive:  true,
		ExpiresAt: &expires,
	}); err != nil {
		return false, err
	}
	a.logger.Info("phone auto-suppressed", "failures", count, "expires_at", expires)
	return true, nil
}

// PgFailureCounter counts failures from campaign_contacts.
type PgFailureCounter struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
}

func NewPgFailureCounter(pool *pgxpool.Pool) *PgFailureCounter {
	if pool == nil {
		panic("suppression: pgx pool required")
	}
	return &PgFailureCounter{db: pool}
}

func (c *PgFailureCounter) CountRecentFailures(ctx context.Context, phone string, codes []int, since time.Time) (int, error) {
	var n int
	err := c.db.QueryRow(ctx, `
		SELECT count(*) FROM campaign_contacts
		WHERE regexp_replace(phone, '\D', '', 'g') = $1
		  AND status = 'failed' AND error_code = ANY($2) AND failed_at >= $3
	`, phone, codes, since).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
