package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/wa-campaigns/internal/alerts"
	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/internal/kv"
	"github.com/wolfman30/wa-campaigns/internal/reconcile"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// ErrNoDatabase is returned when DATABASE_URL is empty.
var ErrNoDatabase = errors.New("bootstrap: DATABASE_URL is required")

const redisKeyPrefix = "wacampaigns:"

// ConnectPostgres opens and pings a pgx pool.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, ErrNoDatabase
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildKVStore backs the dedup gate and settings cache. Without Redis the
// store is process-local, which is only safe for a single API instance.
func BuildKVStore(client *redis.Client, logger *logging.Logger) kv.Store {
	if client != nil {
		return kv.NewRedisStore(client, redisKeyPrefix)
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger.Warn("redis not configured, using in-process kv store")
	return kv.NewMemoryStore(kv.WithMaxEntries(100_000))
}

// BuildReconcileQueue returns the SQS queue when a URL and client are
// available, otherwise an in-process queue.
func BuildReconcileQueue(cfg *appconfig.Config, client *sqs.Client, logger *logging.Logger) reconcile.Queue {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg != nil && !cfg.UseMemoryQueue && strings.TrimSpace(cfg.ReconcileQueueURL) != "" && client != nil {
		return reconcile.NewSQSQueue(client, cfg.ReconcileQueueURL)
	}
	logger.Info("using in-memory reconcile queue")
	return reconcile.NewMemoryQueue(1024)
}

// BuildAlertEmailSender picks SES, then SendGrid. With neither configured
// alerts are stored but not emailed, except in development where they are
// logged.
func BuildAlertEmailSender(cfg *appconfig.Config, ses *sesv2.Client, logger *logging.Logger) alerts.EmailSender {
	if cfg == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.SESEnabled && ses != nil {
		return alerts.NewSESSender(ses, alerts.SESConfig{FromEmail: cfg.AlertEmailFrom}, logger)
	}
	if sg := alerts.NewSendGridSender(alerts.SendGridConfig{APIKey: cfg.SendGridAPIKey, FromEmail: cfg.AlertEmailFrom}, logger); sg != nil {
		return sg
	}
	if strings.EqualFold(cfg.Env, "development") {
		return alerts.NewStubEmailSender(logger)
	}
	return nil
}
