package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wolfman30/wa-campaigns/internal/app/bootstrap"
	appconfig "github.com/wolfman30/wa-campaigns/internal/config"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

func TestSetupMetricsExposesWebhookMetrics(t *testing.T) {
	handler, m := setupMetrics()
	if handler == nil || m == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	m.ObserveStatusEvent("delivered", "applied")
	m.RecordDegraded("dedup")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{
		"wacampaigns_webhook_status_events_total",
		"wacampaigns_webhook_degraded_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s to be exported", name)
		}
	}
}

func TestAWSClientsSkippedWhenUnused(t *testing.T) {
	cfg := &appconfig.Config{UseMemoryQueue: true}
	sqsClient, sesClient := awsClients(context.Background(), cfg, logging.NewWithWriter("error", io.Discard))
	if sqsClient != nil || sesClient != nil {
		t.Fatalf("expected no aws clients when sqs and ses are disabled")
	}
}

func TestAWSClientsBuilt(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := &appconfig.Config{
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
		ReconcileQueueURL:   "http://localhost:4566/000000000000/reconcile",
		SESEnabled:          true,
	}
	sqsClient, sesClient := awsClients(context.Background(), cfg, logging.NewWithWriter("error", io.Discard))
	if sqsClient == nil || sesClient == nil {
		t.Fatalf("expected sqs and ses clients")
	}
}

func TestRunRequiresDatabase(t *testing.T) {
	cfg := &appconfig.Config{Port: "0", ServiceName: "wa-campaigns"}
	err := run(context.Background(), cfg, logging.NewWithWriter("error", io.Discard))
	if !errors.Is(err, bootstrap.ErrNoDatabase) {
		t.Fatalf("expected ErrNoDatabase, got %v", err)
	}
}
