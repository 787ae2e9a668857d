package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("WHATSAPP_APP_SECRET", "")
	t.Setenv("DEDUP_TTL", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.DedupTTL != 10*time.Minute {
		t.Fatalf("expected default dedup ttl, got %s", cfg.DedupTTL)
	}
	if cfg.ReconcileMaxAttempts != 5 {
		t.Fatalf("expected default reconcile attempts, got %d", cfg.ReconcileMaxAttempts)
	}
	if cfg.SignatureRequired() {
		t.Fatalf("expected signature check disabled without a secret")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("WHATSAPP_APP_SECRET", " s3cret ")
	t.Setenv("DEDUP_TTL", "2m")
	t.Setenv("RECONCILE_MAX_ATTEMPTS", "9")
	t.Setenv("USE_MEMORY_QUEUE", "true")
	t.Setenv("OUTBOUND_TIMEOUT", "not-a-duration")
	cfg := Load()
	if cfg.Port != "9090" || cfg.Env != "production" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.WhatsAppAppSecret != "s3cret" || !cfg.SignatureRequired() {
		t.Fatalf("expected trimmed secret, got %q", cfg.WhatsAppAppSecret)
	}
	if cfg.DedupTTL != 2*time.Minute {
		t.Fatalf("expected dedup ttl override, got %s", cfg.DedupTTL)
	}
	if cfg.ReconcileMaxAttempts != 9 || !cfg.UseMemoryQueue {
		t.Fatalf("expected reconcile overrides, got %+v", cfg)
	}
	if cfg.OutboundTimeout != 8*time.Second {
		t.Fatalf("expected invalid duration to fall back, got %s", cfg.OutboundTimeout)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("WHATSAPP_VERIFY_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "")
	os.Unsetenv("WHATSAPP_VERIFY_TOKEN")
	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := Load().WhatsAppVerifyToken; got != "from-dotenv" {
		t.Fatalf("expected token from dotenv, got %q", got)
	}
}
