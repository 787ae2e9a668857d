package delivery

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/wa-campaigns/internal/alerts"
	"github.com/wolfman30/wa-campaigns/internal/suppression"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

const tracerName = "github.com/wolfman30/wa-campaigns/internal/delivery"

// AlertRaiser records account alerts.
type AlertRaiser interface {
	Raise(ctx context.Context, a alerts.Alert) error
}

// Suppressor writes suppression rows.
type Suppressor interface {
	UpsertSuppression(ctx context.Context, e suppression.Entry) error
}

// AutoSuppressor runs the failure-pattern heuristic for a phone.
type AutoSuppressor interface {
	Evaluate(ctx context.Context, phone string) (bool, error)
}

// StatusMirror copies outbound statuses into the inbox read-model.
type StatusMirror interface {
	MirrorStatus(ctx context.Context, messageID, status string, at time.Time) error
}

// SideEffectObserver counts side-effect results.
type SideEffectObserver interface {
	ObserveSideEffect(effect string, err error)
}

// EffectsConfig wires the optional collaborators. Nil members are skipped.
type EffectsConfig struct {
	Alerts         AlertRaiser
	Suppressions   Suppressor
	AutoSuppressor AutoSuppressor
	Inbox          StatusMirror
	Tracer         trace.Tracer
	Metrics        SideEffectObserver
	Logger         *logging.Logger
}

// Effects runs the best-effort follow-ups of an applied transition. Nothing it
// does is returned to the caller.
type Effects struct {
	alerts       AlertRaiser
	suppressions Suppressor
	auto         AutoSuppressor
	inbox        StatusMirror
	tracer       trace.Tracer
	metrics      SideEffectObserver
	logger       *logging.Logger
}

func NewEffects(cfg EffectsConfig) *Effects {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Effects{
		alerts:       cfg.Alerts,
		suppressions: cfg.Suppressions,
		auto:         cfg.AutoSuppressor,
		inbox:        cfg.Inbox,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// Run dispatches follow-ups for res. Only transitions made by this call
// trigger anything, so replays stay silent.
func (e *Effects) Run(ctx context.Context, u webhook.StatusUpdate, res Result) {
	if e == nil || !res.Applied() || res.Contact == nil {
		return
	}
	contact := res.Contact

	switch u.Status {
	case webhook.StatusFailed:
		if c := res.Classification; c != nil {
			if c.Critical && e.alerts != nil {
				e.guard(ctx, "alert", u.MessageID, func(ctx context.Context) error {
					return e.alerts.Raise(ctx, alerts.Alert{
						Kind:       "provider_error",
						Severity:   alerts.SeverityCritical,
						Code:       c.Code,
						Title:      titleFor(contact, c.Message),
						Message:    c.Message,
						Action:     c.Action,
						CampaignID: &contact.CampaignID,
						ContactID:  &contact.ID,
						MessageID:  u.MessageID,
						Phone:      contact.Phone,
						Metadata:   map[string]any{"category": string(c.Category), "retryable": c.Retryable},
					})
				})
			}
			if c.OptOut && e.suppressions != nil {
				e.guard(ctx, "suppression", u.MessageID, func(ctx context.Context) error {
					return e.suppressions.UpsertSuppression(ctx, suppression.Entry{
						Phone:    contact.Phone,
						Reason:   c.Message,
						Source:   suppression.SourceProviderError,
						Metadata: map[string]any{"code": c.Code, "message_id": u.MessageID, "campaign_id": contact.CampaignID.String()},
						IsActive: true,
					})
				})
			}
		}
		if e.auto != nil {
			e.guard(ctx, "auto_suppression", u.MessageID, func(ctx context.Context) error {
				_, err := e.auto.Evaluate(ctx, contact.Phone)
				return err
			})
		}
	case webhook.StatusDelivered, webhook.StatusRead:
		e.guard(ctx, "trace", u.MessageID, func(ctx context.Context) error {
			e.emitTrace(ctx, u, contact)
			return nil
		})
		if e.inbox != nil {
			e.guard(ctx, "inbox", u.MessageID, func(ctx context.Context) error {
				return e.inbox.MirrorStatus(ctx, u.MessageID, string(u.Status), eventTime(u))
			})
		}
	}
}

// guard runs fn as an isolated side effect: errors and panics are logged and counted.
func (e *Effects) guard(ctx context.Context, effect, messageID string, fn func(context.Context) error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()
	if e.metrics != nil {
		e.metrics.ObserveSideEffect(effect, err)
	}
	if err != nil {
		e.logger.Error("side effect failed", "effect", effect, "message_id", messageID, "error", err)
	}
}

func (e *Effects) emitTrace(ctx context.Context, u webhook.StatusUpdate, c *CampaignContact) {
	if parent := contactSpanContext(c); parent.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	}
	at := eventTime(u)
	_, span := e.tracer.Start(ctx, "whatsapp.status."+string(u.Status),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithTimestamp(at),
		trace.WithAttributes(
			attribute.String("messaging.system", "whatsapp"),
			attribute.String("messaging.message.id", u.MessageID),
			attribute.String("whatsapp.status", string(u.Status)),
			attribute.String("campaign.id", c.CampaignID.String()),
			attribute.String("campaign_contact.id", c.ID.String()),
		),
	)
	span.End(trace.WithTimestamp(at))
}

// contactSpanContext rebuilds the span context of the send that created c. A
// missing span id is derived from the contact id.
func contactSpanContext(c *CampaignContact) trace.SpanContext {
	traceID, err := trace.TraceIDFromHex(c.TraceID)
	if err != nil {
		return trace.SpanContext{}
	}
	spanID, err := trace.SpanIDFromHex(c.SpanID)
	if err != nil {
		copy(spanID[:], c.ID[:8])
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}

func eventTime(u webhook.StatusUpdate) time.Time {
	if u.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return u.Timestamp
}

func titleFor(c *CampaignContact, fallback string) string {
	if c.Failure != nil && c.Failure.Title != "" {
		return c.Failure.Title
	}
	return fallback
}
