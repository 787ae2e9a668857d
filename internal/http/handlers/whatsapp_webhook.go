package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/wa-campaigns/internal/ingest"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

const maxWebhookBody = 4 << 20

type batchProcessor interface {
	Process(ctx context.Context, batch webhook.Batch) error
}

type requestObserver interface {
	ObserveRequest(outcome string, seconds float64)
}

// Request outcomes reported to metrics.
const (
	OutcomeOK           = "ok"
	OutcomeIgnored      = "ignored"
	OutcomeBadSignature = "bad_signature"
	OutcomeBadRequest   = "bad_request"
	OutcomeError        = "error"
)

// WhatsAppWebhookConfig wires the handler.
type WhatsAppWebhookConfig struct {
	AppSecret   string
	VerifyToken string
	Processor   batchProcessor
	Metrics     requestObserver
	Logger      *logging.Logger
}

// WhatsAppWebhookHandler serves the provider's verification handshake and
// event deliveries.
type WhatsAppWebhookHandler struct {
	appSecret   string
	verifyToken string
	processor   batchProcessor
	metrics     requestObserver
	logger      *logging.Logger
}

func NewWhatsAppWebhookHandler(cfg WhatsAppWebhookConfig) *WhatsAppWebhookHandler {
	if cfg.Processor == nil {
		panic("handlers: whatsapp batch processor required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	h := &WhatsAppWebhookHandler{
		appSecret:   strings.TrimSpace(cfg.AppSecret),
		verifyToken: strings.TrimSpace(cfg.VerifyToken),
		processor:   cfg.Processor,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	if h.appSecret == "" {
		h.logger.Warn("whatsapp app secret not configured, webhook signatures are not verified")
	}
	return h
}

// HandleVerify answers the subscription handshake. Both the hub.-prefixed
// names the provider sends and bare names are accepted.
func (h *WhatsAppWebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := firstParam(q, "hub.mode", "mode")
	token := firstParam(q, "hub.verify_token", "verify_token")
	challenge := firstParam(q, "hub.challenge", "challenge")

	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		h.logger.Warn("whatsapp webhook verification rejected", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// HandleEvents verifies, decodes and processes one delivery. A 500 is only
// returned when a status event could not be applied, so the provider retries.
func (h *WhatsAppWebhookHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveRequest(outcome, time.Since(start).Seconds())
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		outcome = OutcomeBadRequest
		writeStatus(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if h.appSecret != "" && !webhook.VerifySignature(h.appSecret, body, r.Header.Get(webhook.SignatureHeader)) {
		h.logger.Warn("invalid whatsapp webhook signature", "remote_ip", r.RemoteAddr)
		outcome = OutcomeBadSignature
		writeStatus(w, http.StatusUnauthorized, "invalid_signature")
		return
	}

	batch, err := webhook.Parse(body)
	switch {
	case errors.Is(err, webhook.ErrUnsupportedObject):
		h.logger.Info("whatsapp webhook ignored", "object", batch.Object)
		outcome = OutcomeIgnored
		writeStatus(w, http.StatusOK, "ignored")
		return
	case err != nil:
		h.logger.Warn("whatsapp webhook rejected", "error", &ingest.Error{Kind: ingest.KindTransport, Err: err})
		outcome = OutcomeBadRequest
		writeStatus(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	if err := h.processor.Process(r.Context(), batch); err != nil {
		h.logger.Error("whatsapp webhook processing failed",
			"error", err,
			"kind", ingest.KindOf(err),
			"statuses", len(batch.Statuses),
			"inbound", len(batch.Inbound),
		)
		outcome = OutcomeError
		writeStatus(w, http.StatusInternalServerError, "error")
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func firstParam(q map[string][]string, names ...string) string {
	for _, n := range names {
		if v := q[n]; len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}
