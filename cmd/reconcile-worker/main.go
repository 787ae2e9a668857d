package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/wa-campaigns/cmd/mainconfig"
	"github.com/wolfman30/wa-campaigns/internal/app/bootstrap"
	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/internal/eventlog"
	"github.com/wolfman30/wa-campaigns/internal/observability/tracing"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

type options struct {
	requeue   string
	sweepOnce bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("reconcile-worker", flag.ContinueOnError)
	fs.StringVar(&opts.requeue, "requeue", "", "reset a dead-lettered status event by id and exit")
	fs.BoolVar(&opts.sweepOnce, "sweep-once", false, "run a single reconcile sweep and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.requeue != "" && opts.sweepOnce {
		return options{}, errors.New("-requeue and -sweep-once are mutually exclusive")
	}
	return opts, nil
}

func main() {
	if err := appconfig.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("reconcile-worker")

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("reconcile worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, opts options, logger *logging.Logger) error {
	var requeueID uuid.UUID
	if opts.requeue != "" {
		id, err := uuid.Parse(opts.requeue)
		if err != nil {
			return fmt.Errorf("invalid event id %q: %w", opts.requeue, err)
		}
		requeueID = id
	}

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if opts.requeue != "" {
		return requeue(ctx, eventlog.NewStore(pool), requeueID, logger)
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.ServiceName + "-reconcile",
		Environment: cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	queue := bootstrap.BuildReconcileQueue(cfg, mainconfig.NewSQSClient(awsCfg, cfg), logger)
	email := bootstrap.BuildAlertEmailSender(cfg, nil, logger)
	if cfg.SESEnabled {
		email = bootstrap.BuildAlertEmailSender(cfg, mainconfig.NewSESClient(awsCfg, cfg), logger)
	}

	pipeline, err := bootstrap.BuildPipeline(bootstrap.PipelineDeps{
		Config: cfg,
		Pool:   pool,
		KV:     bootstrap.BuildKVStore(redisClient, logger),
		Queue:  queue,
		Email:  email,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer pipeline.Tasks.Wait()

	if opts.sweepOnce {
		n, err := pipeline.Worker.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		logger.Info("sweep complete", "processed", n)
		return nil
	}

	logger.Info("reconcile worker started",
		"queue_url", cfg.ReconcileQueueURL,
		"sweep_interval", cfg.ReconcileSweepInterval.String(),
	)
	go pipeline.Worker.RunSweeper(ctx)
	pipeline.Worker.Run(ctx)
	logger.Info("reconcile worker shutting down")
	return nil
}

type requeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) error
}

func requeue(ctx context.Context, store requeuer, id uuid.UUID, logger *logging.Logger) error {
	if err := store.Requeue(ctx, id); err != nil {
		if errors.Is(err, eventlog.ErrEventNotFound) {
			return fmt.Errorf("event %s is not dead-lettered", id)
		}
		return err
	}
	logger.Info("event requeued", "event_id", id.String())
	return nil
}
