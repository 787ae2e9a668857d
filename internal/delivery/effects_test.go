package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wolfman30/wa-campaigns/internal/alerts"
	"github.com/wolfman30/wa-campaigns/internal/inbox"
	"github.com/wolfman30/wa-campaigns/internal/providererrors"
	"github.com/wolfman30/wa-campaigns/internal/suppression"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
)

type recordingAlerts struct {
	raised []alerts.Alert
	err    error
}

func (r *recordingAlerts) Raise(_ context.Context, a alerts.Alert) error {
	r.raised = append(r.raised, a)
	return r.err
}

type panickingMirror struct{}

func (panickingMirror) MirrorStatus(context.Context, string, string, time.Time) error {
	panic("mirror exploded")
}

type sideEffectCounts map[string]int

func (s sideEffectCounts) ObserveSideEffect(effect string, err error) {
	key := effect + ":ok"
	if err != nil {
		key = effect + ":error"
	}
	s[key]++
}

func TestEffectsCriticalOptOutFailure(t *testing.T) {
	store := NewMemoryContactStore()
	store.Add(CampaignContact{MessageID: "wamid.C", Phone: "+5511999990000"})
	applier := NewApplier(store, nil)

	raiser := &recordingAlerts{}
	sup := suppression.NewMemoryStore()
	effects := NewEffects(EffectsConfig{Alerts: raiser, Suppressions: sup})

	// Classified as both critical and opt-out.
	classifier := fakeClassifier{c: providererrors.Classification{
		Code: 131050, Category: providererrors.CategoryOptOut, Critical: true, OptOut: true, Message: "Recipient stopped marketing messages",
	}}
	applier.classifier = classifier

	u := statusUpdate("wamid.C", webhook.StatusFailed, webhook.ProviderError{Code: 131050, Title: "Stopped"})
	res, err := applier.Apply(context.Background(), u)
	require.NoError(t, err)
	effects.Run(context.Background(), u, res)

	require.Len(t, raiser.raised, 1)
	assert.Equal(t, 131050, raiser.raised[0].Code)
	assert.Equal(t, "Stopped", raiser.raised[0].Title)
	assert.Equal(t, 1, sup.Len())
	e, ok := sup.Get("+5511999990000")
	require.True(t, ok)
	assert.Equal(t, suppression.SourceProviderError, e.Source)

	// A replay is a noop and triggers nothing.
	res, err = applier.Apply(context.Background(), u)
	require.NoError(t, err)
	effects.Run(context.Background(), u, res)
	assert.Len(t, raiser.raised, 1)
}

type fakeClassifier struct {
	c providererrors.Classification
}

func (f fakeClassifier) Classify(int) providererrors.Classification { return f.c }

func TestEffectsAutoSuppression(t *testing.T) {
	store := NewMemoryContactStore()
	sup := suppression.NewMemoryStore()
	auto := suppression.NewAutoSuppressor(store, sup, suppression.AutoConfig{
		Threshold: 2, Window: time.Hour * 24 * 365 * 10, TTL: time.Hour, Codes: []int{131026},
	}, nil)
	applier := NewApplier(store, nil)
	effects := NewEffects(EffectsConfig{AutoSuppressor: auto})

	for _, id := range []string{"wamid.1", "wamid.2"} {
		store.Add(CampaignContact{MessageID: id, Phone: "+1555"})
		u := statusUpdate(id, webhook.StatusFailed, webhook.ProviderError{Code: 131026})
		res, err := applier.Apply(context.Background(), u)
		require.NoError(t, err)
		effects.Run(context.Background(), u, res)
	}

	e, ok := sup.Get("+1555")
	require.True(t, ok)
	assert.Equal(t, suppression.SourceAutoHeuristic, e.Source)
	assert.NotNil(t, e.ExpiresAt)
}

func TestEffectsAutoSuppressionMatchesRawWaIDs(t *testing.T) {
	store := NewMemoryContactStore()
	sup := suppression.NewMemoryStore()
	auto := suppression.NewAutoSuppressor(store, sup, suppression.AutoConfig{
		Threshold: 3, Window: time.Hour * 24 * 365 * 10, TTL: time.Hour, Codes: []int{131026},
	}, nil)
	applier := NewApplier(store, nil)
	effects := NewEffects(EffectsConfig{AutoSuppressor: auto})

	// Contacts imported in different formats for the same wa_id.
	phones := map[string]string{
		"wamid.r1": "5511999990000",
		"wamid.r2": "5511999990000",
		"wamid.r3": "+55 11 99999-0000",
	}
	for _, id := range []string{"wamid.r1", "wamid.r2", "wamid.r3"} {
		store.Add(CampaignContact{MessageID: id, Phone: phones[id]})
		u := statusUpdate(id, webhook.StatusFailed, webhook.ProviderError{Code: 131026})
		res, err := applier.Apply(context.Background(), u)
		require.NoError(t, err)
		effects.Run(context.Background(), u, res)
	}

	n, err := store.CountRecentFailures(context.Background(), "5511999990000", []int{131026}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, ok := sup.Get("+5511999990000")
	require.True(t, ok, "raw wa_id phones should be auto-suppressed")
	assert.Equal(t, suppression.SourceAutoHeuristic, e.Source)
	assert.Equal(t, 1, sup.Len())
}

func TestEffectsDeliveredEmitsLinkedTraceAndMirrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	store := NewMemoryContactStore()
	store.Add(CampaignContact{MessageID: "wamid.D", TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7"})
	mirror := inbox.NewMemoryStore()
	mirror.AddOutbound("wamid.D", "+1555", "sent")

	effects := NewEffects(EffectsConfig{Inbox: mirror, Tracer: provider.Tracer("test")})
	u := statusUpdate("wamid.D", webhook.StatusDelivered)
	res, err := NewApplier(store, nil).Apply(context.Background(), u)
	require.NoError(t, err)
	effects.Run(context.Background(), u, res)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "whatsapp.status.delivered", spans[0].Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", spans[0].Parent().SpanID().String())

	row, ok := mirror.Get("wamid.D")
	require.True(t, ok)
	assert.Equal(t, "delivered", row.Status)
}

func TestEffectsIsolateFailuresAndPanics(t *testing.T) {
	counts := sideEffectCounts{}
	store := NewMemoryContactStore()
	store.Add(CampaignContact{MessageID: "wamid.P"})
	effects := NewEffects(EffectsConfig{Inbox: panickingMirror{}, Metrics: counts})

	u := statusUpdate("wamid.P", webhook.StatusRead)
	res, err := NewApplier(store, nil).Apply(context.Background(), u)
	require.NoError(t, err)

	assert.NotPanics(t, func() { effects.Run(context.Background(), u, res) })
	assert.Equal(t, 1, counts["inbox:error"])
	assert.Equal(t, 1, counts["trace:ok"])
}

func TestEffectsAlertErrorIsSwallowed(t *testing.T) {
	raiser := &recordingAlerts{err: errors.New("db down")}
	effects := NewEffects(EffectsConfig{Alerts: raiser})
	contact := &CampaignContact{ID: uuid.New(), CampaignID: uuid.New(), Phone: "+1555", Status: StatusFailed}
	c := providererrors.Classify(131048)

	assert.NotPanics(t, func() {
		effects.Run(context.Background(), statusUpdate("wamid.E", webhook.StatusFailed), Result{
			TransitionResult: TransitionResult{Outcome: OutcomeApplied, Contact: contact},
			Classification:   &c,
		})
	})
	assert.Len(t, raiser.raised, 1)
}

func TestContactSpanContextDerivesSpanID(t *testing.T) {
	c := &CampaignContact{ID: uuid.New(), TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"}
	sc := contactSpanContext(c)
	assert.True(t, sc.IsValid())

	c.TraceID = "not-hex"
	assert.False(t, contactSpanContext(c).IsValid())
}
