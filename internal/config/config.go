package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	ServiceName string
	LogLevel    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// WhatsApp provider
	WhatsAppAppSecret    string
	WhatsAppVerifyToken  string
	WhatsAppAccessToken  string
	WhatsAppPhoneID      string
	WhatsAppGraphBaseURL string
	WhatsAppGraphVersion string

	// Ingestion pipeline
	DedupTTL         time.Duration
	SettingsCacheTTL time.Duration
	OutboundTimeout  time.Duration

	// Automation execution endpoint
	AutomationExecuteURL   string
	AutomationExecuteToken string

	// Reconciliation
	UseMemoryQueue         bool
	ReconcileQueueURL      string
	ReconcileMaxAttempts   int
	ReconcileSweepInterval time.Duration
	ReconcileMinAge        time.Duration
	ReconcileBatchSize     int

	// Suppression heuristics
	AutoSuppressThreshold int
	AutoSuppressWindow    time.Duration
	AutoSuppressTTL       time.Duration

	// Alert notifications
	AlertEmailTo        string
	AlertEmailFrom      string
	SendGridAPIKey      string
	SESEnabled          bool
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Tracing
	OTelEnabled  bool
	OTelEndpoint string
}

// LoadDotEnv loads a .env file into the process environment when one exists.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "wa-campaigns"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WhatsAppAppSecret:    strings.TrimSpace(getEnv("WHATSAPP_APP_SECRET", "")),
		WhatsAppVerifyToken:  getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAccessToken:  getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneID:      getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppGraphBaseURL: getEnv("WHATSAPP_GRAPH_BASE_URL", "https://graph.facebook.com"),
		WhatsAppGraphVersion: getEnv("WHATSAPP_GRAPH_VERSION", "v21.0"),

		DedupTTL:         getEnvAsDuration("DEDUP_TTL", 10*time.Minute),
		SettingsCacheTTL: getEnvAsDuration("SETTINGS_CACHE_TTL", time.Minute),
		OutboundTimeout:  getEnvAsDuration("OUTBOUND_TIMEOUT", 8*time.Second),

		AutomationExecuteURL:   getEnv("AUTOMATION_EXECUTE_URL", ""),
		AutomationExecuteToken: getEnv("AUTOMATION_EXECUTE_TOKEN", ""),

		UseMemoryQueue:         getEnvAsBool("USE_MEMORY_QUEUE", false),
		ReconcileQueueURL:      getEnv("RECONCILE_QUEUE_URL", ""),
		ReconcileMaxAttempts:   getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 5),
		ReconcileSweepInterval: getEnvAsDuration("RECONCILE_SWEEP_INTERVAL", time.Minute),
		ReconcileMinAge:        getEnvAsDuration("RECONCILE_MIN_AGE", 30*time.Second),
		ReconcileBatchSize:     getEnvAsInt("RECONCILE_BATCH_SIZE", 50),

		AutoSuppressThreshold: getEnvAsInt("AUTO_SUPPRESS_THRESHOLD", 3),
		AutoSuppressWindow:    getEnvAsDuration("AUTO_SUPPRESS_WINDOW", 30*24*time.Hour),
		AutoSuppressTTL:       getEnvAsDuration("AUTO_SUPPRESS_TTL", 90*24*time.Hour),

		AlertEmailTo:        getEnv("ALERT_EMAIL_TO", ""),
		AlertEmailFrom:      getEnv("ALERT_EMAIL_FROM", ""),
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SESEnabled:          getEnvAsBool("SES_ENABLED", false),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		OTelEnabled:  getEnvAsBool("OTEL_ENABLED", true),
		OTelEndpoint: getEnv("OTEL_ENDPOINT", ""),
	}
}

// SignatureRequired reports whether inbound webhooks must carry a valid signature.
func (c *Config) SignatureRequired() bool {
	return c != nil && c.WhatsAppAppSecret != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
