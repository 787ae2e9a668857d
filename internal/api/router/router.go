package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/wa-campaigns/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/wa-campaigns/internal/http/middleware"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	WhatsAppWebhook *handlers.WhatsAppWebhookHandler
	MetricsHandler  http.Handler
	// WebhookPath defaults to /webhooks/whatsapp.
	WebhookPath string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.WhatsAppWebhook != nil {
		path := cfg.WebhookPath
		if path == "" {
			path = "/webhooks/whatsapp"
		}
		r.Route(path, func(wh chi.Router) {
			wh.Get("/", cfg.WhatsAppWebhook.HandleVerify)
			wh.Post("/", cfg.WhatsAppWebhook.HandleEvents)
		})
	}

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
