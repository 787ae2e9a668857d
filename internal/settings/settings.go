// Package settings reads dynamic key/value configuration managed from the
// dashboard, cached through a TTL key-value store.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/wa-campaigns/internal/kv"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// Well-known setting keys.
const (
	KeyDefaultAutomationID   = "default_automation_id"
	KeyFlowConfirmationText  = "flow_confirmation_template"
	KeyFlowConfirmationOn    = "flow_confirmation_enabled"
	KeyFlowEchoURL           = "flow_echo_url"
	KeyWhatsAppAccessToken   = "whatsapp_access_token"
	KeyWhatsAppPhoneNumberID = "whatsapp_phone_number_id"
)

const missingMarker = "\x00missing"

// Source is the authoritative settings backend.
type Source interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// PgSource reads the app_settings table.
type PgSource struct {
	db interface {
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
}

func NewPgSource(pool *pgxpool.Pool) *PgSource {
	if pool == nil {
		panic("settings: pgx pool required")
	}
	return &PgSource{db: pool}
}

func (s *PgSource) Lookup(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM app_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings: lookup %s: %w", key, err)
	}
	return value, true, nil
}

// StaticSource serves fixed values. Used by tests and local runs.
type StaticSource map[string]string

func (s StaticSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}

// Service is the cached settings reader.
type Service struct {
	source Source
	cache  kv.Store
	ttl    time.Duration
	logger *logging.Logger
}

// NewService wraps source. cache may be nil to disable caching.
func NewService(source Source, cache kv.Store, ttl time.Duration, logger *logging.Logger) *Service {
	if source == nil {
		panic("settings: source required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{source: source, cache: cache, ttl: ttl, logger: logger}
}

// GetSetting returns the value for key and whether it is set. Cache failures
// fall through to the source.
func (s *Service) GetSetting(ctx context.Context, key string) (string, bool, error) {
	cacheKey := "settings:" + key
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			if cached == missingMarker {
				return "", false, nil
			}
			return cached, true, nil
		case !errors.Is(err, kv.ErrNotFound):
			s.logger.Warn("settings cache read failed", "key", key, "error", err)
		}
	}

	value, ok, err := s.source.Lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	if s.cache != nil {
		stored := value
		if !ok {
			stored = missingMarker
		}
		if err := s.cache.Set(ctx, cacheKey, stored, s.ttl); err != nil {
			s.logger.Warn("settings cache write failed", "key", key, "error", err)
		}
	}
	return value, ok, nil
}

// GetBool interprets the setting as a boolean, returning def when unset.
func (s *Service) GetBool(ctx context.Context, key string, def bool) (bool, error) {
	v, ok, err := s.GetSetting(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return def, nil
}

// Credentials authenticate provider API calls.
type Credentials struct {
	AccessToken   string
	PhoneNumberID string
}

// ErrNoCredentials is returned when no access token is configured anywhere.
var ErrNoCredentials = errors.New("settings: whatsapp credentials not configured")

// CredentialsProvider resolves provider credentials from settings, falling
// back to static values from the environment.
type CredentialsProvider struct {
	settings *Service
	fallback Credentials
}

func NewCredentialsProvider(settings *Service, fallback Credentials) *CredentialsProvider {
	return &CredentialsProvider{settings: settings, fallback: fallback}
}

func (p *CredentialsProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	creds := p.fallback
	if p.settings != nil {
		if token, ok, err := p.settings.GetSetting(ctx, KeyWhatsAppAccessToken); err != nil {
			return Credentials{}, err
		} else if ok && strings.TrimSpace(token) != "" {
			creds.AccessToken = strings.TrimSpace(token)
		}
		if phoneID, ok, err := p.settings.GetSetting(ctx, KeyWhatsAppPhoneNumberID); err == nil && ok && phoneID != "" {
			creds.PhoneNumberID = phoneID
		}
	}
	if creds.AccessToken == "" {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}
