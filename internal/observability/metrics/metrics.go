package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics exposes counters/histograms for the webhook ingestion pipeline.
type WebhookMetrics struct {
	requestsTotal  *prometheus.CounterVec
	statusEvents   *prometheus.CounterVec
	degradedTotal  *prometheus.CounterVec
	sideEffects    *prometheus.CounterVec
	reconcileTotal *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacampaigns",
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Webhook deliveries by response outcome",
		}, []string{"outcome"}),
		statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacampaigns",
			Subsystem: "webhook",
			Name:      "status_events_total",
			Help:      "Message status events by status and apply outcome",
		}, []string{"status", "outcome"}),
		degradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacampaigns",
			Subsystem: "webhook",
			Name:      "degraded_total",
			Help:      "Events processed while a supporting store was unavailable",
		}, []string{"component"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacampaigns",
			Subsystem: "webhook",
			Name:      "side_effects_total",
			Help:      "Best-effort side effects by kind and result",
		}, []string{"effect", "result"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wacampaigns",
			Subsystem: "reconcile",
			Name:      "attempts_total",
			Help:      "Reconciliation attempts by result",
		}, []string{"result"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wacampaigns",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.statusEvents, m.degradedTotal, m.sideEffects, m.reconcileTotal, m.webhookLatency)
	return m
}

func (m *WebhookMetrics) ObserveRequest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.webhookLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *WebhookMetrics) ObserveStatusEvent(status, outcome string) {
	if m == nil {
		return
	}
	m.statusEvents.WithLabelValues(status, outcome).Inc()
}

// RecordDegraded counts an event handled without the named component.
func (m *WebhookMetrics) RecordDegraded(component string) {
	if m == nil {
		return
	}
	m.degradedTotal.WithLabelValues(component).Inc()
}

func (m *WebhookMetrics) ObserveSideEffect(effect string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sideEffects.WithLabelValues(effect, result).Inc()
}

func (m *WebhookMetrics) ObserveReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
}
