// Package whatsapp is a minimal client for the provider's Graph messaging API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/wa-campaigns/internal/settings"
	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

const (
	defaultBaseURL      = "https://graph.facebook.com"
	defaultGraphVersion = "v21.0"
	defaultUserAgent    = "wa-campaigns/0.1"
)

// CredentialSource resolves the access token and sending phone number.
type CredentialSource interface {
	GetCredentials(ctx context.Context) (settings.Credentials, error)
}

// Config controls how the client behaves.
type Config struct {
	BaseURL      string
	GraphVersion string
	Timeout      time.Duration
	MaxRetries   int
	Backoff      time.Duration
	HTTPClient   *http.Client
	Logger       *logging.Logger
	UserAgent    string
}

// Client sends messages through the Graph API.
type Client struct {
	creds      CredentialSource
	baseURL    string
	version    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	logger     *logging.Logger
	userAgent  string
}

func New(creds CredentialSource, cfg Config) (*Client, error) {
	if creds == nil {
		return nil, errors.New("whatsapp: credential source is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(cfg.GraphVersion), "/")
	if version == "" {
		version = defaultGraphVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		creds:      creds,
		baseURL:    baseURL,
		version:    version,
		httpClient: httpClient,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a plain text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	to = strings.TrimPrefix(strings.TrimSpace(to), "+")
	if to == "" {
		return "", errors.New("whatsapp: recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return "", errors.New("whatsapp: message body is required")
	}
	creds, err := c.creds.GetCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("whatsapp: credentials: %w", err)
	}
	if creds.PhoneNumberID == "" {
		return "", errors.New("whatsapp: phone number id not configured")
	}
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal send body: %w", err)
	}
	data, err := c.invoke(ctx, creds.AccessToken, "/"+creds.PhoneNumberID+"/messages", payload)
	if err != nil {
		return "", err
	}
	var resp sendResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", errors.New("whatsapp: response missing message id")
	}
	return resp.Messages[0].ID, nil
}

func (c *Client) invoke(ctx context.Context, token, path string, body []byte) ([]byte, error) {
	fullURL := c.baseURL + "/" + c.version + path
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("whatsapp: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("whatsapp: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("whatsapp: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("whatsapp: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("whatsapp retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// APIError is the Graph API error object.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	Type       string `json:"type,omitempty"`
	Code       int    `json:"code,omitempty"`
	Subcode    int    `json:"error_subcode,omitempty"`
	TraceID    string `json:"fbtrace_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("whatsapp: %s (status=%d code=%d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("whatsapp: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var wrapper struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Error == nil {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	}
	wrapper.Error.StatusCode = status
	return wrapper.Error
}
