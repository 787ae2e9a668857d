// Package ingest applies a normalized webhook batch: status events through the
// dedup gate, durable log and delivery state machine, then the best-effort
// inbound handlers.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/wa-campaigns/internal/automation"
	"github.com/wolfman30/wa-campaigns/internal/delivery"
	"github.com/wolfman30/wa-campaigns/internal/eventlog"
	"github.com/wolfman30/wa-campaigns/internal/flows"
	"github.com/wolfman30/wa-campaigns/internal/reconcile"
	"github.com/wolfman30/wa-campaigns/internal/settings"
	"github.com/wolfman30/wa-campaigns/internal/suppression"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

type dedupGate interface {
	ShouldProcess(ctx context.Context, messageID, status string) bool
	Release(ctx context.Context, messageID, status string)
}

type eventLog interface {
	RecordStatusEvent(ctx context.Context, in eventlog.StatusEventInput) (uuid.UUID, error)
	MarkEventAttempt(ctx context.Context, id uuid.UUID, attempt eventlog.Attempt) error
}

type statusApplier interface {
	Apply(ctx context.Context, u webhook.StatusUpdate) (delivery.Result, error)
}

type effectsRunner interface {
	Run(ctx context.Context, u webhook.StatusUpdate, res delivery.Result)
}

type reconciler interface {
	EnqueueReconciliation(ctx context.Context, r reconcile.Reason)
}

type settingsReader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

type inboxWriter interface {
	UpsertInbound(ctx context.Context, msg webhook.InboundMessage) error
}

type automationRouter interface {
	Route(ctx context.Context, text, defaultID string) (automation.Match, bool, error)
}

type automationDispatcher interface {
	Dispatch(ctx context.Context, exec automation.Execution) error
}

type optOutDetector interface {
	IsOptOut(body string) bool
}

type suppressionWriter interface {
	UpsertSuppression(ctx context.Context, e suppression.Entry) error
}

type flowHandler interface {
	Handle(ctx context.Context, msg webhook.InboundMessage, confirmationTemplate string) (*flows.Submission, error)
}

type templateUpdater interface {
	ApplyStatus(ctx context.Context, u webhook.TemplateStatusUpdate) (bool, error)
}

// Detacher runs work outside the request.
type Detacher interface {
	Go(parent context.Context, name string, fn func(ctx context.Context) error)
}

// Observer receives pipeline metrics.
type Observer interface {
	ObserveStatusEvent(status, outcome string)
	RecordDegraded(component string)
	ObserveSideEffect(effect string, err error)
}

// Config wires the processor. Gate, Events, Applier and the status path are
// required; every inbound collaborator is optional.
type Config struct {
	Gate         dedupGate
	Events       eventLog
	Applier      statusApplier
	Effects      effectsRunner
	Reconciler   reconciler
	Settings     settingsReader
	Inbox        inboxWriter
	Router       automationRouter
	Dispatcher   automationDispatcher
	OptOut       optOutDetector
	Suppressions suppressionWriter
	Flows        flowHandler
	Templates    templateUpdater
	Tasks        Detacher
	Metrics      Observer
	Logger       *logging.Logger
}

// Processor runs one webhook batch.
type Processor struct {
	gate         dedupGate
	events       eventLog
	applier      statusApplier
	effects      effectsRunner
	reconciler   reconciler
	settings     settingsReader
	inbox        inboxWriter
	router       automationRouter
	dispatcher   automationDispatcher
	optOut       optOutDetector
	suppressions suppressionWriter
	flows        flowHandler
	templates    templateUpdater
	tasks        Detacher
	metrics      Observer
	logger       *logging.Logger
}

func NewProcessor(cfg Config) *Processor {
	if cfg.Applier == nil {
		panic("ingest: applier required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopObserver{}
	}
	return &Processor{
		gate:         cfg.Gate,
		events:       cfg.Events,
		applier:      cfg.Applier,
		effects:      cfg.Effects,
		reconciler:   cfg.Reconciler,
		settings:     cfg.Settings,
		inbox:        cfg.Inbox,
		router:       cfg.Router,
		dispatcher:   cfg.Dispatcher,
		optOut:       cfg.OptOut,
		suppressions: cfg.Suppressions,
		flows:        cfg.Flows,
		templates:    cfg.Templates,
		tasks:        cfg.Tasks,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// Status event outcomes reported to the observer.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeUnmatched = "unmatched"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

type prefetched struct {
	defaultAutomationID  string
	confirmationTemplate string
}

// Process applies batch. Status events run sequentially; the first apply
// failure aborts with a KindApply error so the whole batch is redelivered.
// Template and inbound handling never fail the call.
func (p *Processor) Process(ctx context.Context, batch webhook.Batch) error {
	for _, reject := range batch.Rejects {
		p.logger.Warn("webhook item rejected", "kind", reject.Kind, "entry", reject.Entry, "change", reject.Change, "reason", reject.Reason)
	}

	var pre prefetched
	if len(batch.Inbound) > 0 {
		pre = p.prefetch(ctx)
	}

	for _, t := range batch.TemplateStatuses {
		p.applyTemplate(ctx, t)
	}
	for _, u := range batch.Statuses {
		if err := p.processStatus(ctx, u); err != nil {
			return err
		}
	}
	for _, m := range batch.Inbound {
		p.processInbound(ctx, m, pre)
	}
	return nil
}

// prefetch loads the two inbound settings concurrently. Failures leave the
// value empty.
func (p *Processor) prefetch(ctx context.Context) prefetched {
	var pre prefetched
	if p.settings == nil {
		return pre
	}
	g, gctx := errgroup.WithContext(ctx)
	load := func(key string, dst *string) func() error {
		return func() error {
			v, ok, err := p.settings.GetSetting(gctx, key)
			if err != nil {
				p.logger.Warn("setting prefetch failed", "key", key, "error", err)
				return nil
			}
			if ok {
				*dst = strings.TrimSpace(v)
			}
			return nil
		}
	}
	g.Go(load(settings.KeyDefaultAutomationID, &pre.defaultAutomationID))
	g.Go(load(settings.KeyFlowConfirmationText, &pre.confirmationTemplate))
	_ = g.Wait()
	return pre
}

func (p *Processor) processStatus(ctx context.Context, u webhook.StatusUpdate) error {
	status := string(u.Status)
	logger := p.logger.With("message_id", u.MessageID, "status", status)

	if p.gate != nil && !p.gate.ShouldProcess(ctx, u.MessageID, status) {
		logger.Debug("duplicate status event skipped")
		p.metrics.ObserveStatusEvent(status, OutcomeDuplicate)
		return nil
	}

	eventID, logged := p.record(ctx, u, logger)

	res, err := p.apply(ctx, u)
	if err != nil {
		logger.Error("status apply failed", "event_id", eventID, "error", err)
		if logged {
			p.mark(ctx, eventID, eventlog.Attempt{State: eventlog.AttemptError, Error: err.Error()}, logger)
			p.enqueue(ctx, eventID, u, reconcile.CauseApplyError, err.Error())
		}
		if p.gate != nil {
			p.gate.Release(ctx, u.MessageID, status)
		}
		p.metrics.ObserveStatusEvent(status, OutcomeError)
		return &Error{Kind: KindApply, MessageID: u.MessageID, Status: status, Err: err}
	}

	if logged {
		p.mark(ctx, eventID, reconcile.AttemptFor(res), logger)
	}

	switch res.Outcome {
	case delivery.OutcomeUnmatched:
		recoverable := &Error{Kind: KindRecoverable, MessageID: u.MessageID, Status: status, Err: delivery.ErrContactNotFound}
		logger.Warn("status event unmatched", "event_id", eventID, "error", recoverable)
		if logged {
			p.enqueue(ctx, eventID, u, reconcile.CauseUnmatched, "")
		}
		p.metrics.ObserveStatusEvent(status, OutcomeUnmatched)
		return nil
	case delivery.OutcomeNoop:
		p.metrics.ObserveStatusEvent(status, OutcomeNoop)
		return nil
	}

	if p.effects != nil {
		p.effects.Run(ctx, u, res)
	}
	p.metrics.ObserveStatusEvent(status, OutcomeApplied)
	return nil
}

// apply runs the applier with panics converted to errors, so the event still
// gets its log attempt and a reconcile job.
func (p *Processor) apply(ctx context.Context, u webhook.StatusUpdate) (res delivery.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("apply panic: %v", rec)
		}
	}()
	return p.applier.Apply(ctx, u)
}

// record writes the pending log row. When the log is unavailable the event is
// applied anyway and the degradation is counted.
func (p *Processor) record(ctx context.Context, u webhook.StatusUpdate, logger *logging.Logger) (uuid.UUID, bool) {
	if p.events == nil {
		return uuid.Nil, false
	}
	rawErrors, err := json.Marshal(u.Errors)
	if err != nil {
		rawErrors = []byte("[]")
	}
	id, err := p.events.RecordStatusEvent(ctx, eventlog.StatusEventInput{
		MessageID:      u.MessageID,
		Status:         string(u.Status),
		EventTimestamp: u.Timestamp,
		RawErrors:      rawErrors,
		Payload:        u.Payload,
	})
	if err != nil {
		logger.Warn("durable event log unavailable, applying without it", "error", err)
		p.metrics.RecordDegraded("eventlog")
		return uuid.Nil, false
	}
	return id, true
}

func (p *Processor) mark(ctx context.Context, id uuid.UUID, attempt eventlog.Attempt, logger *logging.Logger) {
	if err := p.events.MarkEventAttempt(ctx, id, attempt); err != nil {
		logger.Warn("mark event attempt failed", "event_id", id, "state", attempt.State, "error", err)
		p.metrics.RecordDegraded("eventlog")
	}
}

func (p *Processor) enqueue(ctx context.Context, id uuid.UUID, u webhook.StatusUpdate, cause reconcile.Cause, detail string) {
	if p.reconciler == nil {
		return
	}
	p.reconciler.EnqueueReconciliation(ctx, reconcile.Reason{
		EventID:   id,
		MessageID: u.MessageID,
		Status:    string(u.Status),
		Cause:     cause,
		Detail:    detail,
	})
}

func (p *Processor) applyTemplate(ctx context.Context, t webhook.TemplateStatusUpdate) {
	if p.templates == nil {
		return
	}
	p.guard(ctx, "template_status", t.TemplateID, func(ctx context.Context) error {
		found, err := p.templates.ApplyStatus(ctx, t)
		if err == nil && !found {
			p.logger.Info("template status for unknown template", "template_id", t.TemplateID, "name", t.Name, "event", t.Event)
		}
		return err
	})
}

// processInbound handles one inbound message. Each step is isolated so a
// failure in one never blocks the others or the rest of the batch.
func (p *Processor) processInbound(ctx context.Context, m webhook.InboundMessage, pre prefetched) {
	if p.inbox != nil {
		p.guard(ctx, "inbox", m.MessageID, func(ctx context.Context) error {
			return p.inbox.UpsertInbound(ctx, m)
		})
	}

	if m.IsFlowSubmission() {
		if p.flows != nil {
			p.guard(ctx, "flow_submission", m.MessageID, func(ctx context.Context) error {
				_, err := p.flows.Handle(ctx, m, pre.confirmationTemplate)
				return err
			})
		}
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if p.optOut != nil && p.optOut.IsOptOut(text) {
		if p.suppressions != nil {
			p.guard(ctx, "opt_out", m.MessageID, func(ctx context.Context) error {
				return p.suppressions.UpsertSuppression(ctx, suppression.Entry{
					Phone:    m.From,
					Reason:   "inbound opt-out keyword",
					Source:   suppression.SourceInboundKeyword,
					Metadata: map[string]any{"message_id": m.MessageID, "text": text},
					IsActive: true,
				})
			})
		}
		return
	}
	p.routeAutomation(ctx, m, text, pre.defaultAutomationID)
}

func (p *Processor) routeAutomation(ctx context.Context, m webhook.InboundMessage, text, defaultID string) {
	if p.router == nil || p.dispatcher == nil {
		return
	}
	var (
		match automation.Match
		ok    bool
	)
	p.guard(ctx, "automation_route", m.MessageID, func(ctx context.Context) error {
		var err error
		match, ok, err = p.router.Route(ctx, text, defaultID)
		return err
	})
	if !ok {
		return
	}
	exec := automation.Execution{
		AutomationID: match.AutomationID,
		Trigger:      match.Reason,
		Keyword:      match.Keyword,
		MessageID:    m.MessageID,
		Phone:        m.From,
		ContactName:  m.ContactName,
		Text:         text,
		ReceivedAt:   m.Timestamp,
	}
	dispatch := func(ctx context.Context) error { return p.dispatcher.Dispatch(ctx, exec) }
	if p.tasks != nil {
		p.tasks.Go(ctx, "automation_dispatch", dispatch)
		return
	}
	p.guard(ctx, "automation_dispatch", m.MessageID, dispatch)
}

// guard runs a best-effort side effect, converting panics to errors.
func (p *Processor) guard(ctx context.Context, effect, messageID string, fn func(context.Context) error) {
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		err = fn(ctx)
	}()
	p.metrics.ObserveSideEffect(effect, err)
	if err != nil {
		p.logger.Warn("side effect failed",
			"effect", effect,
			"message_id", messageID,
			"error", &Error{Kind: KindSideEffect, MessageID: messageID, Err: err},
		)
	}
}

type nopObserver struct{}

func (nopObserver) ObserveStatusEvent(string, string) {}
func (nopObserver) RecordDegraded(string)             {}
func (nopObserver) ObserveSideEffect(string, error)   {}
