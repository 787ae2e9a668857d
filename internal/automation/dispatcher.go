package automation

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
)

// ErrNotConfigured is returned when no execution endpoint is set.
var ErrNotConfigured = errors.New("automation: execute url not configured")

// Execution is the payload posted to the execution endpoint.
type Execution struct {
	AutomationID string      `json:"automation_id"`
	Trigger      MatchReason `json:"trigger"`
	Keyword      string      `json:"keyword,omitempty"`
	MessageID    string      `json:"message_id"`
	Phone        string      `json:"phone"`
	ContactName  string      `json:"contact_name,omitempty"`
	Text         string      `json:"text,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// Dispatcher posts executions to the automation runner.
type Dispatcher struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewDispatcher(url, token string, timeout time.Duration, httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Dispatcher{url: strings.TrimSpace(url), token: token, httpClient: httpClient}
}

func (d *Dispatcher) Dispatch(ctx context.Context, exec Execution) error {
	if d == nil || d.url == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("automation: marshal execution: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("automation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("automation: dispatch %s: %w", exec.AutomationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("automation: dispatch %s: status %d: %s", exec.AutomationID, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
