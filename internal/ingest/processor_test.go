package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wolfman30/wa-campaigns/internal/alerts"
	"github.com/wolfman30/wa-campaigns/internal/automation"
	"github.com/wolfman30/wa-campaigns/internal/dedup"
	"github.com/wolfman30/wa-campaigns/internal/delivery"
	"github.com/wolfman30/wa-campaigns/internal/eventlog"
	"github.com/wolfman30/wa-campaigns/internal/flows"
	"github.com/wolfman30/wa-campaigns/internal/inbox"
	"github.com/wolfman30/wa-campaigns/internal/kv"
	"github.com/wolfman30/wa-campaigns/internal/observability/metrics"
	"github.com/wolfman30/wa-campaigns/internal/providererrors"
	"github.com/wolfman30/wa-campaigns/internal/reconcile"
	"github.com/wolfman30/wa-campaigns/internal/settings"
	"github.com/wolfman30/wa-campaigns/internal/suppression"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
)

type memoryAlerts struct {
	mu   sync.Mutex
	rows map[string]alerts.Alert
}

func (m *memoryAlerts) Insert(_ context.Context, a alerts.Alert) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]alerts.Alert{}
	}
	if _, ok := m.rows[a.DedupeKey()]; ok {
		return uuid.Nil, false, nil
	}
	m.rows[a.DedupeKey()] = a
	return uuid.New(), true, nil
}

// criticalOptOut marks 131050 as both account-critical and an opt-out.
type criticalOptOut struct{}

func (criticalOptOut) Classify(code int) providererrors.Classification {
	c := providererrors.Classify(code)
	if code == 131050 {
		c.Critical = true
		c.OptOut = true
	}
	return c
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) { return "", errors.New("redis down") }
func (failingKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("redis down")
}
func (failingKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}
func (failingKV) Delete(context.Context, string) error { return errors.New("redis down") }

type recordedDispatch struct {
	mu    sync.Mutex
	execs []automation.Execution
}

func (r *recordedDispatch) Dispatch(_ context.Context, exec automation.Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, exec)
	return nil
}

type harness struct {
	contacts  *delivery.MemoryContactStore
	events    *eventlog.MemoryStore
	alerts    *memoryAlerts
	sup       *suppression.MemoryStore
	inbox     *inbox.MemoryStore
	queue     *reconcile.MemoryQueue
	spans     *tracetest.SpanRecorder
	reg       *prometheus.Registry
	metrics   *metrics.WebhookMetrics
	dispatch  *recordedDispatch
	flows     *flows.MemoryStore
	cfg       Config
	processor *Processor
}

func newHarness(t *testing.T, dedupStore kv.Store) *harness {
	t.Helper()
	h := &harness{
		contacts: delivery.NewMemoryContactStore(),
		events:   eventlog.NewMemoryStore(),
		alerts:   &memoryAlerts{},
		sup:      suppression.NewMemoryStore(),
		inbox:    inbox.NewMemoryStore(),
		queue:    reconcile.NewMemoryQueue(16),
		spans:    tracetest.NewSpanRecorder(),
		reg:      prometheus.NewRegistry(),
		dispatch: &recordedDispatch{},
		flows:    flows.NewMemoryStore(),
	}
	h.metrics = metrics.NewWebhookMetrics(h.reg)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	if dedupStore == nil {
		dedupStore = kv.NewMemoryStore()
	}
	appSettings := settings.NewService(settings.StaticSource{
		settings.KeyDefaultAutomationID:  "auto-default",
		settings.KeyFlowConfirmationText: "Thanks {{name}}",
	}, nil, 0, nil)

	h.cfg = Config{
		Gate:    dedup.NewGate(dedupStore, time.Minute, nil, dedup.WithDegradedRecorder(h.metrics)),
		Events:  h.events,
		Applier: delivery.NewApplier(h.contacts, criticalOptOut{}),
		Effects: delivery.NewEffects(delivery.EffectsConfig{
			Alerts:       alerts.NewService(h.alerts, nil, "", nil),
			Suppressions: h.sup,
			Inbox:        h.inbox,
			Tracer:       provider.Tracer("test"),
			Metrics:      h.metrics,
		}),
		Reconciler:   reconcile.NewEnqueuer(h.queue, nil, nil),
		Settings:     appSettings,
		Inbox:        h.inbox,
		Router:       automation.NewRouter(staticAutomations{{ID: "auto-promo", Keywords: []string{"promoção"}}}),
		Dispatcher:   h.dispatch,
		OptOut:       automation.NewOptOutDetector(),
		Suppressions: h.sup,
		Flows:        flows.NewService(flows.Config{Store: h.flows, Settings: appSettings}),
		Metrics:      h.metrics,
	}
	h.processor = NewProcessor(h.cfg)
	return h
}

type staticAutomations []automation.Automation

func (s staticAutomations) ListActive(context.Context) ([]automation.Automation, error) { return s, nil }

func (h *harness) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func statusBatch(updates ...webhook.StatusUpdate) webhook.Batch {
	return webhook.Batch{Object: "whatsapp_business_account", Statuses: updates}
}

func update(messageID string, status webhook.Status, errs ...webhook.ProviderError) webhook.StatusUpdate {
	return webhook.StatusUpdate{
		MessageID:   messageID,
		Status:      status,
		Timestamp:   time.Unix(1700000000, 0).UTC(),
		RecipientID: "5511999990000",
		Errors:      errs,
		Payload:     []byte(`{"id":"` + messageID + `"}`),
	}
}

func TestDeliveredAppliesAndEmitsTrace(t *testing.T) {
	h := newHarness(t, nil)
	contact := h.contacts.Add(delivery.CampaignContact{
		MessageID: "wamid.A", Phone: "+5511999990000",
		TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7",
	})

	require.NoError(t, h.processor.Process(context.Background(), statusBatch(update("wamid.A", webhook.StatusDelivered))))

	got, _ := h.contacts.Get("wamid.A")
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, 1, h.contacts.Counters(contact.CampaignID).Delivered)

	evt, ok := h.events.Find("wamid.A", "delivered")
	require.True(t, ok)
	assert.Equal(t, eventlog.AttemptApplied, evt.AttemptState)
	require.NotNil(t, evt.CampaignContactID)
	assert.Equal(t, contact.ID, *evt.CampaignContactID)

	spans := h.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, 1.0, h.counter(t, "wacampaigns_webhook_status_events_total", map[string]string{"status": "delivered", "outcome": "applied"}))
}

func TestRedeliveryWithinWindowIsShortCircuited(t *testing.T) {
	h := newHarness(t, nil)
	contact := h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.B"})
	batch := statusBatch(update("wamid.B", webhook.StatusDelivered))

	require.NoError(t, h.processor.Process(context.Background(), batch))
	require.NoError(t, h.processor.Process(context.Background(), batch))

	assert.Equal(t, 1, h.contacts.Counters(contact.CampaignID).Delivered)
	assert.Equal(t, 1, h.events.Len())
	assert.Equal(t, 1.0, h.counter(t, "wacampaigns_webhook_status_events_total", map[string]string{"outcome": "duplicate"}))
}

func TestReplayPastDedupWindowIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	contact := h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.I"})
	batch := statusBatch(update("wamid.I", webhook.StatusRead))

	require.NoError(t, h.processor.Process(context.Background(), batch))

	// A fresh gate models an expired window: the state machine alone must hold.
	cfg := h.cfg
	cfg.Gate = dedup.NewGate(kv.NewMemoryStore(), time.Minute, nil)
	require.NoError(t, NewProcessor(cfg).Process(context.Background(), batch))

	counters := h.contacts.Counters(contact.CampaignID)
	assert.Equal(t, 1, counters.Read)
	assert.Equal(t, 1, counters.Delivered)
	assert.Len(t, h.spans.Ended(), 1)
	evt, _ := h.events.Find("wamid.I", "read")
	assert.Equal(t, eventlog.AttemptApplied, evt.AttemptState)
	assert.Equal(t, 2, evt.Attempts)
}

func TestCriticalOptOutFailure(t *testing.T) {
	h := newHarness(t, nil)
	contact := h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.C", Phone: "+5511999990000"})
	batch := statusBatch(update("wamid.C", webhook.StatusFailed, webhook.ProviderError{Code: 131050, Title: "Stopped marketing"}))

	require.NoError(t, h.processor.Process(context.Background(), batch))

	got, _ := h.contacts.Get("wamid.C")
	assert.Equal(t, delivery.StatusFailed, got.Status)
	assert.Equal(t, 1, h.contacts.Counters(contact.CampaignID).Failed)
	assert.Len(t, h.alerts.rows, 1)
	assert.Equal(t, 1, h.sup.Len())
	entry, ok := h.sup.Get("+5511999990000")
	require.True(t, ok)
	assert.Equal(t, suppression.SourceProviderError, entry.Source)
}

func TestTerminalExclusivityAcrossOrderings(t *testing.T) {
	h := newHarness(t, nil)
	contact := h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.T"})

	require.NoError(t, h.processor.Process(context.Background(), statusBatch(
		update("wamid.T", webhook.StatusRead),
		update("wamid.T", webhook.StatusFailed, webhook.ProviderError{Code: 131026}),
		update("wamid.T", webhook.StatusDelivered),
	)))
	cfg := h.cfg
	cfg.Gate = nil
	require.NoError(t, NewProcessor(cfg).Process(context.Background(), statusBatch(
		update("wamid.T", webhook.StatusFailed, webhook.ProviderError{Code: 131049}),
	)))

	got, _ := h.contacts.Get("wamid.T")
	assert.Equal(t, delivery.StatusFailed, got.Status)
	assert.Equal(t, 131026, got.Failure.Code)
	counters := h.contacts.Counters(contact.CampaignID)
	assert.Equal(t, 1, counters.Failed)
	assert.Equal(t, 1, counters.Read)
}

func TestUnmatchedIsLoggedAndReconciled(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.processor.Process(context.Background(), statusBatch(update("wamid.U", webhook.StatusDelivered))))

	evt, ok := h.events.Find("wamid.U", "delivered")
	require.True(t, ok)
	assert.Equal(t, eventlog.AttemptUnmatched, evt.AttemptState)
	assert.Equal(t, 1, h.queue.Len())
}

func TestApplyFailureAbortsBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.E"})
	h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.after"})
	h.contacts.FailNext = errors.New("connection reset")

	err := h.processor.Process(context.Background(), statusBatch(
		update("wamid.E", webhook.StatusDelivered),
		update("wamid.after", webhook.StatusDelivered),
	))
	require.Error(t, err)
	assert.Equal(t, KindApply, KindOf(err))
	assert.True(t, Retryable(err))

	evt, ok := h.events.Find("wamid.E", "delivered")
	require.True(t, ok)
	assert.Equal(t, eventlog.AttemptError, evt.AttemptState)
	assert.Contains(t, evt.LastError, "connection reset")
	assert.Equal(t, 1, h.queue.Len())
	_, logged := h.events.Find("wamid.after", "delivered")
	assert.False(t, logged, "events after the failure are left for the retry")

	// The provider retry is not swallowed by the dedup gate.
	require.NoError(t, h.processor.Process(context.Background(), statusBatch(
		update("wamid.E", webhook.StatusDelivered),
		update("wamid.after", webhook.StatusDelivered),
	)))
	got, _ := h.contacts.Get("wamid.E")
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	got, _ = h.contacts.Get("wamid.after")
	assert.Equal(t, delivery.StatusDelivered, got.Status)
}

type panicOnceApplier struct {
	next     *delivery.Applier
	panicked bool
}

func (a *panicOnceApplier) Apply(ctx context.Context, u webhook.StatusUpdate) (delivery.Result, error) {
	if !a.panicked {
		a.panicked = true
		panic("nil contact row")
	}
	return a.next.Apply(ctx, u)
}

func TestApplyPanicIsLoggedAndReconciled(t *testing.T) {
	h := newHarness(t, nil)
	h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.P"})
	h.cfg.Applier = &panicOnceApplier{next: delivery.NewApplier(h.contacts, criticalOptOut{})}
	h.processor = NewProcessor(h.cfg)

	var err error
	require.NotPanics(t, func() {
		err = h.processor.Process(context.Background(), statusBatch(update("wamid.P", webhook.StatusDelivered)))
	})
	require.Error(t, err)
	assert.Equal(t, KindApply, KindOf(err))
	assert.Contains(t, err.Error(), "nil contact row")

	evt, ok := h.events.Find("wamid.P", "delivered")
	require.True(t, ok)
	assert.Equal(t, eventlog.AttemptError, evt.AttemptState)
	assert.Contains(t, evt.LastError, "apply panic")
	assert.Equal(t, 1, h.queue.Len())

	// The gate was released, so the provider retry applies.
	require.NoError(t, h.processor.Process(context.Background(), statusBatch(update("wamid.P", webhook.StatusDelivered))))
	got, _ := h.contacts.Get("wamid.P")
	assert.Equal(t, delivery.StatusDelivered, got.Status)
}

func TestDegradedModeIsObservable(t *testing.T) {
	h := newHarness(t, failingKV{})
	h.events.Err = errors.New("postgres unavailable")
	h.contacts.Add(delivery.CampaignContact{MessageID: "wamid.DG"})

	require.NoError(t, h.processor.Process(context.Background(), statusBatch(update("wamid.DG", webhook.StatusDelivered))))

	got, _ := h.contacts.Get("wamid.DG")
	assert.Equal(t, delivery.StatusDelivered, got.Status)
	assert.Equal(t, 1.0, h.counter(t, "wacampaigns_webhook_degraded_total", map[string]string{"component": "eventlog"}))
	assert.Equal(t, 1.0, h.counter(t, "wacampaigns_webhook_degraded_total", map[string]string{"component": "dedup"}))
	assert.Equal(t, 0, h.queue.Len())
}

func TestInboundRoutingOptOutAndFlows(t *testing.T) {
	h := newHarness(t, nil)
	batch := webhook.Batch{
		Object: "whatsapp_business_account",
		Inbound: []webhook.InboundMessage{
			{MessageID: "wamid.in1", From: "5511000000001", Type: "text", Text: "Promocao"},
			{MessageID: "wamid.in2", From: "5511000000002", Type: "text", Text: "oi, tudo bem?"},
			{MessageID: "wamid.in3", From: "5511000000003", Type: "text", Text: "PARAR"},
			{MessageID: "wamid.in4", From: "5511000000004", ContactName: "Ana", Type: "interactive",
				Flow: &webhook.FlowReply{Name: "flow", ResponseJSON: `{"flow_token":"t","choice":"a"}`}},
		},
	}

	require.NoError(t, h.processor.Process(context.Background(), batch))

	assert.Equal(t, 4, h.inbox.Len())
	require.Len(t, h.dispatch.execs, 2)
	assert.Equal(t, "auto-promo", h.dispatch.execs[0].AutomationID)
	assert.Equal(t, automation.MatchKeyword, h.dispatch.execs[0].Trigger)
	assert.Equal(t, "auto-default", h.dispatch.execs[1].AutomationID)

	entry, ok := h.sup.Get("+5511000000003")
	require.True(t, ok)
	assert.Equal(t, suppression.SourceInboundKeyword, entry.Source)

	sub, ok := h.flows.Get("wamid.in4")
	require.True(t, ok)
	assert.Equal(t, "Thanks Ana", sub.Confirmation)
}

type panickingInbox struct{}

func (panickingInbox) UpsertInbound(context.Context, webhook.InboundMessage) error {
	panic("inbox exploded")
}

func TestInboundFailuresNeverFailTheBatch(t *testing.T) {
	h := newHarness(t, nil)
	cfg := h.cfg
	cfg.Inbox = panickingInbox{}
	p := NewProcessor(cfg)

	err := p.Process(context.Background(), webhook.Batch{Inbound: []webhook.InboundMessage{
		{MessageID: "wamid.x", From: "1", Text: "promoção"},
		{MessageID: "wamid.y", From: "2", Text: "hello"},
	}})
	require.NoError(t, err)
	assert.Len(t, h.dispatch.execs, 2)
	assert.Equal(t, 2.0, h.counter(t, "wacampaigns_webhook_side_effects_total", map[string]string{"effect": "inbox", "result": "error"}))
}

type recordingTemplates struct {
	applied []webhook.TemplateStatusUpdate
}

func (r *recordingTemplates) ApplyStatus(_ context.Context, u webhook.TemplateStatusUpdate) (bool, error) {
	r.applied = append(r.applied, u)
	return false, errors.New("db down")
}

func TestTemplateStatusIsBestEffort(t *testing.T) {
	h := newHarness(t, nil)
	tpl := &recordingTemplates{}
	cfg := h.cfg
	cfg.Templates = tpl

	err := NewProcessor(cfg).Process(context.Background(), webhook.Batch{
		TemplateStatuses: []webhook.TemplateStatusUpdate{{TemplateID: "1", Event: "APPROVED"}},
	})
	require.NoError(t, err)
	assert.Len(t, tpl.applied, 1)
}
