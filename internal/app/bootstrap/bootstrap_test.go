package bootstrap

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/wolfman30/wa-campaigns/internal/alerts"
	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/internal/kv"
	"github.com/wolfman30/wa-campaigns/internal/reconcile"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter("error", io.Discard)
}

func TestConnectPostgresEmptyURL(t *testing.T) {
	pool, err := ConnectPostgres(context.Background(), "  ")
	if pool != nil {
		t.Fatalf("expected nil pool")
	}
	if !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}
}

func TestBuildPipelineRequiresDatabase(t *testing.T) {
	if _, err := BuildPipeline(PipelineDeps{Logger: testLogger()}); !errors.Is(err, ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}
}

func TestBuildRedisClient(t *testing.T) {
	logger := testLogger()
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, logger, true); client != nil {
		t.Fatalf("expected nil client without an address")
	}

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger, true)
	if client == nil {
		t.Fatalf("expected client for live redis")
	}
	t.Cleanup(func() { _ = client.Close() })

	store := BuildKVStore(client, logger)
	if _, ok := store.(*kv.RedisStore); !ok {
		t.Fatalf("expected redis store, got %T", store)
	}
	ok, err := store.SetNX(context.Background(), "wamid.1:delivered", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("SetNX: ok=%v err=%v", ok, err)
	}
	if !mr.Exists(redisKeyPrefix + "wamid.1:delivered") {
		t.Fatalf("expected key to be namespaced with %q", redisKeyPrefix)
	}
}

func TestBuildRedisClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, testLogger(), true); client != nil {
		t.Fatalf("expected nil client when ping fails")
	}
}

func TestBuildKVStoreFallsBackToMemory(t *testing.T) {
	store := BuildKVStore(nil, testLogger())
	if _, ok := store.(*kv.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestBuildReconcileQueue(t *testing.T) {
	logger := testLogger()

	q := BuildReconcileQueue(&appconfig.Config{UseMemoryQueue: true, ReconcileQueueURL: "http://localhost:4566/q"}, nil, logger)
	if _, ok := q.(*reconcile.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}

	q = BuildReconcileQueue(&appconfig.Config{ReconcileQueueURL: "http://localhost:4566/q"}, nil, logger)
	if _, ok := q.(*reconcile.MemoryQueue); !ok {
		t.Fatalf("expected memory queue without an sqs client, got %T", q)
	}
}

func TestBuildAlertEmailSender(t *testing.T) {
	logger := testLogger()

	cases := []struct {
		name string
		cfg  *appconfig.Config
		want string
	}{
		{name: "nil config", cfg: nil, want: "nil"},
		{name: "sendgrid", cfg: &appconfig.Config{Env: "production", SendGridAPIKey: "SG.key", AlertEmailFrom: "alerts@example.com"}, want: "sendgrid"},
		{name: "ses without client falls through", cfg: &appconfig.Config{Env: "development", SESEnabled: true, AlertEmailFrom: "alerts@example.com"}, want: "stub"},
		{name: "production without provider", cfg: &appconfig.Config{Env: "production"}, want: "nil"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sender := BuildAlertEmailSender(tc.cfg, nil, logger)
			var got string
			switch sender.(type) {
			case nil:
				got = "nil"
			case *alerts.SendGridSender:
				got = "sendgrid"
			case *alerts.StubEmailSender:
				got = "stub"
			default:
				got = "other"
			}
			if got != tc.want {
				t.Fatalf("expected %s sender, got %s (%T)", tc.want, got, sender)
			}
		})
	}
}
