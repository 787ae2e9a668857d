// Package flows captures interactive flow submissions: it resolves answers to
// human labels, stores them idempotently and sends the optional echo and
// confirmation.
package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/wa-campaigns/internal/settings"
	"github.com/wolfman30/wa-campaigns/internal/webhook"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

// ErrNotFlowSubmission is returned for messages without a flow reply.
var ErrNotFlowSubmission = errors.New("flows: message is not a flow submission")

type submissionStore interface {
	Upsert(ctx context.Context, sub Submission) (bool, error)
}

// Sender delivers the confirmation message.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// SettingsReader is the subset of settings.Service used here.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	GetBool(ctx context.Context, key string, def bool) (bool, error)
}

// Detacher runs best-effort work outside the request.
type Detacher interface {
	Go(parent context.Context, name string, fn func(ctx context.Context) error)
}

// Config wires the service.
type Config struct {
	Definitions DefinitionSource
	Store       submissionStore
	Sender      Sender
	Settings    SettingsReader
	Tasks       Detacher
	HTTPClient  *http.Client
	Logger      *logging.Logger
}

type Service struct {
	definitions DefinitionSource
	store       submissionStore
	sender      Sender
	settings    SettingsReader
	tasks       Detacher
	httpClient  *http.Client
	logger      *logging.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Store == nil {
		panic("flows: submission store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	return &Service{
		definitions: cfg.Definitions,
		store:       cfg.Store,
		sender:      cfg.Sender,
		settings:    cfg.Settings,
		tasks:       cfg.Tasks,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// Handle processes one flow reply. confirmationTemplate is the prefetched
// confirmation text; empty disables the confirmation. Echo and confirmation
// only run the first time a message id is stored.
func (s *Service) Handle(ctx context.Context, msg webhook.InboundMessage, confirmationTemplate string) (*Submission, error) {
	if !msg.IsFlowSubmission() {
		return nil, ErrNotFlowSubmission
	}

	var def *Definition
	token, _, err := ParseResponse(msg.Flow.ResponseJSON, nil)
	if err != nil {
		return nil, err
	}
	if s.definitions != nil {
		def, err = s.definitions.LookupDefinition(ctx, token, msg.Flow.Name)
		if err != nil {
			// Labels are cosmetic; keep going with raw ids.
			s.logger.Warn("flow definition lookup failed", "message_id", msg.MessageID, "error", err)
			def = nil
		}
	}
	_, answers, err := ParseResponse(msg.Flow.ResponseJSON, def)
	if err != nil {
		return nil, err
	}

	sub := Submission{
		MessageID:   msg.MessageID,
		Phone:       msg.From,
		ContactName: msg.ContactName,
		FlowToken:   token,
		FlowName:    msg.Flow.Name,
		Response:    json.RawMessage(msg.Flow.ResponseJSON),
		Answers:     answers,
		ReceivedAt:  msg.Timestamp,
	}
	if def != nil {
		sub.FlowID = def.FlowID
		if sub.FlowName == "" {
			sub.FlowName = def.Name
		}
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now().UTC()
	}
	if s.confirmationEnabled(ctx) {
		sub.Confirmation = RenderConfirmation(confirmationTemplate, sub)
	}

	inserted, err := s.store.Upsert(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !inserted {
		s.logger.Debug("flow submission replayed", "message_id", sub.MessageID)
		return &sub, nil
	}

	if url := s.echoURL(ctx); url != "" {
		s.detach(ctx, "flow_echo", func(ctx context.Context) error {
			return s.echo(ctx, url, sub)
		})
	}
	if sub.Confirmation != "" && s.sender != nil {
		s.detach(ctx, "flow_confirmation", func(ctx context.Context) error {
			_, err := s.sender.SendText(ctx, sub.Phone, sub.Confirmation)
			return err
		})
	}
	return &sub, nil
}

func (s *Service) confirmationEnabled(ctx context.Context) bool {
	if s.settings == nil {
		return true
	}
	on, err := s.settings.GetBool(ctx, settings.KeyFlowConfirmationOn, true)
	if err != nil {
		s.logger.Warn("flow confirmation setting unavailable", "error", err)
	}
	return on
}

func (s *Service) echoURL(ctx context.Context) string {
	if s.settings == nil {
		return ""
	}
	url, ok, err := s.settings.GetSetting(ctx, settings.KeyFlowEchoURL)
	if err != nil {
		s.logger.Warn("flow echo setting unavailable", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return strings.TrimSpace(url)
}

func (s *Service) detach(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if s.tasks != nil {
		s.tasks.Go(ctx, name, fn)
		return
	}
	if err := fn(ctx); err != nil {
		s.logger.Warn("flow side effect failed", "task", name, "error", err)
	}
}

func (s *Service) echo(ctx context.Context, url string, sub Submission) error {
	body, err := json.Marshal(struct {
		Event      string     `json:"event"`
		Submission Submission `json:"submission"`
	}{Event: "flow_submission", Submission: sub})
	if err != nil {
		return fmt.Errorf("flows: marshal echo: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("flows: build echo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("flows: echo: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("flows: echo: status %d", resp.StatusCode)
	}
	return nil
}
