package bootstrap

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/wa-campaigns/internal/alerts"
	"github.com/wolfman30/wa-campaigns/internal/async"
	"github.com/wolfman30/wa-campaigns/internal/automation"
	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/internal/dedup"
	"github.com/wolfman30/wa-campaigns/internal/delivery"
	"github.com/wolfman30/wa-campaigns/internal/eventlog"
	"github.com/wolfman30/wa-campaigns/internal/flows"
	"github.com/wolfman30/wa-campaigns/internal/inbox"
	"github.com/wolfman30/wa-campaigns/internal/ingest"
	"github.com/wolfman30/wa-campaigns/internal/kv"
	"github.com/wolfman30/wa-campaigns/internal/observability/metrics"
	"github.com/wolfman30/wa-campaigns/internal/providererrors"
	"github.com/wolfman30/wa-campaigns/internal/reconcile"
	"github.com/wolfman30/wa-campaigns/internal/settings"
	"github.com/wolfman30/wa-campaigns/internal/suppression"
	"github.com/wolfman30/wa-campaigns/internal/templates"
	"github.com/wolfman30/wa-campaigns/internal/whatsapp"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// PipelineDeps are the shared clients the pipeline is built on.
type PipelineDeps struct {
	Config  *appconfig.Config
	Pool    *pgxpool.Pool
	KV      kv.Store
	Queue   reconcile.Queue
	Email   alerts.EmailSender
	Metrics *metrics.WebhookMetrics
	Logger  *logging.Logger
}

// Pipeline bundles the components both binaries run.
type Pipeline struct {
	Processor *ingest.Processor
	Worker    *reconcile.Worker
	Events    *eventlog.Store
	Settings  *settings.Service
	Tasks     *async.Runner
}

// BuildPipeline wires the ingestion processor and the reconcile worker over
// Postgres, the kv store and the reconcile queue.
func BuildPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Pool == nil {
		return nil, ErrNoDatabase
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = appconfig.Load()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	store := deps.KV
	if store == nil {
		store = BuildKVStore(nil, logger)
	}
	m := deps.Metrics

	tasks := async.NewRunner(cfg.OutboundTimeout, logger.Component("async"), m)

	appSettings := settings.NewService(settings.NewPgSource(deps.Pool), store, cfg.SettingsCacheTTL, logger.Component("settings"))
	creds := settings.NewCredentialsProvider(appSettings, settings.Credentials{
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneID,
	})
	sender, err := whatsapp.New(creds, whatsapp.Config{
		BaseURL:      cfg.WhatsAppGraphBaseURL,
		GraphVersion: cfg.WhatsAppGraphVersion,
		Timeout:      cfg.OutboundTimeout,
		Logger:       logger.Component("whatsapp"),
	})
	if err != nil {
		return nil, err
	}

	events := eventlog.NewStore(deps.Pool)
	contacts := delivery.NewPgContactStore(deps.Pool)
	applier := delivery.NewApplier(contacts, providererrors.Classifier{})
	suppressions := suppression.NewStore(deps.Pool)
	inboxStore := inbox.NewStore(deps.Pool)

	effects := delivery.NewEffects(delivery.EffectsConfig{
		Alerts:       alerts.NewService(alerts.NewStore(deps.Pool), deps.Email, cfg.AlertEmailTo, logger.Component("alerts")),
		Suppressions: suppressions,
		AutoSuppressor: suppression.NewAutoSuppressor(
			suppression.NewPgFailureCounter(deps.Pool),
			suppressions,
			suppression.AutoConfig{
				Threshold: cfg.AutoSuppressThreshold,
				Window:    cfg.AutoSuppressWindow,
				TTL:       cfg.AutoSuppressTTL,
				Codes:     providererrors.UndeliverableCodes(),
			},
			logger.Component("suppression"),
		),
		Inbox:   inboxStore,
		Metrics: m,
		Logger:  logger.Component("effects"),
	})

	flowService := flows.NewService(flows.Config{
		Definitions: flows.NewPgDefinitionSource(deps.Pool),
		Store:       flows.NewStore(deps.Pool),
		Sender:      sender,
		Settings:    appSettings,
		Tasks:       tasks,
		Logger:      logger.Component("flows"),
	})

	procCfg := ingest.Config{
		Gate:         dedup.NewGate(store, cfg.DedupTTL, logger.Component("dedup"), dedup.WithDegradedRecorder(m)),
		Events:       events,
		Applier:      applier,
		Effects:      effects,
		Reconciler:   reconcile.NewEnqueuer(deps.Queue, tasks, logger.Component("reconcile")),
		Settings:     appSettings,
		Inbox:        inboxStore,
		Router:       automation.NewRouter(automation.NewStore(deps.Pool)),
		OptOut:       automation.NewOptOutDetector(),
		Suppressions: suppressions,
		Flows:        flowService,
		Templates:    templates.NewStore(deps.Pool),
		Tasks:        tasks,
		Logger:       logger.Component("ingest"),
	}
	if cfg.AutomationExecuteURL != "" {
		procCfg.Dispatcher = automation.NewDispatcher(cfg.AutomationExecuteURL, cfg.AutomationExecuteToken, cfg.OutboundTimeout, nil)
	} else {
		logger.Info("automation execute url not configured, inbound routing disabled")
	}
	if m != nil {
		procCfg.Metrics = m
	}

	worker := reconcile.NewWorker(deps.Queue, events, applier, effects, logger.Component("reconcile")).
		WithMaxAttempts(cfg.ReconcileMaxAttempts).
		WithMinAge(cfg.ReconcileMinAge).
		WithInterval(cfg.ReconcileSweepInterval).
		WithBatchSize(cfg.ReconcileBatchSize)
	if m != nil {
		worker = worker.WithObserver(m)
	}

	return &Pipeline{
		Processor: ingest.NewProcessor(procCfg),
		Worker:    worker,
		Events:    events,
		Settings:  appSettings,
		Tasks:     tasks,
	}, nil
}
