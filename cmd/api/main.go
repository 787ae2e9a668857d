package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/wa-campaigns/cmd/mainconfig"
	"github.com/wolfman30/wa-campaigns/internal/api/router"
	"github.com/wolfman30/wa-campaigns/internal/app/bootstrap"
	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/internal/http/handlers"
	"github.com/wolfman30/wa-campaigns/internal/observability/metrics"
	"github.com/wolfman30/wa-campaigns/internal/observability/tracing"
	"github.com/wolfman30/wa-campaigns/internal/reconcile"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting wa-campaigns API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"signature_required", cfg.SignatureRequired(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	sqsClient, sesClient := awsClients(ctx, cfg, logger)

	metricsHandler, webhookMetrics := setupMetrics()
	queue := bootstrap.BuildReconcileQueue(cfg, sqsClient, logger)

	pipeline, err := bootstrap.BuildPipeline(bootstrap.PipelineDeps{
		Config:  cfg,
		Pool:    pool,
		KV:      bootstrap.BuildKVStore(redisClient, logger),
		Queue:   queue,
		Email:   bootstrap.BuildAlertEmailSender(cfg, sesClient, logger),
		Metrics: webhookMetrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	// An in-process queue is only drained by this process.
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	memQueue, inProcess := queue.(*reconcile.MemoryQueue)
	if inProcess {
		go pipeline.Worker.Run(workerCtx)
		go pipeline.Worker.RunSweeper(workerCtx)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, pipeline, metricsHandler, webhookMetrics, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	pipeline.Tasks.Wait()
	if inProcess {
		// Undeleted jobs are dropped; their events stay pending for the next sweep.
		if pending := memQueue.Close(); pending > 0 {
			logger.Warn("reconcile queue closed with pending jobs", "pending", pending)
		}
	}
	cancelWorker()
	return nil
}

func awsClients(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*sqs.Client, *sesv2.Client) {
	needSQS := !cfg.UseMemoryQueue && cfg.ReconcileQueueURL != ""
	if !needSQS && !cfg.SESEnabled {
		return nil, nil
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config, falling back to local queue and email", "error", err)
		return nil, nil
	}
	var sqsClient *sqs.Client
	if needSQS {
		sqsClient = mainconfig.NewSQSClient(awsCfg, cfg)
	}
	var sesClient *sesv2.Client
	if cfg.SESEnabled {
		sesClient = mainconfig.NewSESClient(awsCfg, cfg)
	}
	return sqsClient, sesClient
}

func setupMetrics() (http.Handler, *metrics.WebhookMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewWebhookMetrics(reg)
}

func newRouter(cfg *appconfig.Config, pipeline *bootstrap.Pipeline, metricsHandler http.Handler, m *metrics.WebhookMetrics, logger *logging.Logger) http.Handler {
	webhook := handlers.NewWhatsAppWebhookHandler(handlers.WhatsAppWebhookConfig{
		AppSecret:   cfg.WhatsAppAppSecret,
		VerifyToken: cfg.WhatsAppVerifyToken,
		Processor:   pipeline.Processor,
		Metrics:     m,
		Logger:      logger.Component("webhook"),
	})
	return router.New(&router.Config{
		Logger:          logger,
		WhatsAppWebhook: webhook,
		MetricsHandler:  metricsHandler,
	})
}
