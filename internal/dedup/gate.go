// Package dedup short-circuits redelivered (message id, status) pairs.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/wolfman30/wa-campaigns/internal/kv"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// DefaultTTL is the dedup window used when none is configured.
const DefaultTTL = 10 * time.Minute

// DegradedRecorder is notified when the gate runs without its store.
type DegradedRecorder interface {
	RecordDegraded(component string)
}

// Gate is a best-effort idempotency check. It fails open: when the store is
// unavailable every event is let through and the state machine guards correctness.
type Gate struct {
	store    kv.Store
	ttl      time.Duration
	logger   *logging.Logger
	degraded DegradedRecorder
}

// Option customizes a Gate.
type Option func(*Gate)

// WithDegradedRecorder reports store failures to r.
func WithDegradedRecorder(r DegradedRecorder) Option {
	return func(g *Gate) {
		g.degraded = r
	}
}

func NewGate(store kv.Store, ttl time.Duration, logger *logging.Logger, opts ...Option) *Gate {
	if store == nil {
		panic("dedup: store required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	g := &Gate{store: store, ttl: ttl, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldProcess atomically claims the pair and reports whether this caller won.
func (g *Gate) ShouldProcess(ctx context.Context, messageID, status string) bool {
	if g == nil {
		return true
	}
	claimed, err := g.store.SetNX(ctx, Key(messageID, status), "1", g.ttl)
	if err != nil {
		g.logger.Warn("dedup store unavailable, failing open", "message_id", messageID, "status", status, "error", err)
		if g.degraded != nil {
			g.degraded.RecordDegraded("dedup")
		}
		return true
	}
	return claimed
}

// Release drops the claim so a later redelivery is processed again. Used when
// the request fails and the provider is expected to retry.
func (g *Gate) Release(ctx context.Context, messageID, status string) {
	if g == nil {
		return
	}
	if err := g.store.Delete(ctx, Key(messageID, status)); err != nil {
		g.logger.Warn("dedup release failed", "message_id", messageID, "status", status, "error", err)
	}
}

// Key hashes the pair into a fixed-width store key.
func Key(messageID, status string) string {
	sum := sha256.Sum256([]byte(messageID + "\x00" + status))
	return "dedup:" + hex.EncodeToString(sum[:])
}
