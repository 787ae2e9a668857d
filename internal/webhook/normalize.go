package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnparseable marks a body that is empty or not valid JSON.
	ErrUnparseable = errors.New("webhook: unparseable body")
	// ErrUnsupportedObject marks an envelope for an object kind this service does not handle.
	ErrUnsupportedObject = errors.New("webhook: unsupported object")
)

// Status is a provider delivery status.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known delivery statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// ProviderError is one entry of a status update's errors array.
type ProviderError struct {
	Code    int    `json:"code"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
	Href    string `json:"href,omitempty"`
}

// StatusUpdate is a normalized message-status event.
type StatusUpdate struct {
	MessageID         string
	Status            Status
	Timestamp         time.Time // zero when the provider omitted or mangled it
	RecipientID       string
	PhoneNumberID     string
	BusinessAccountID string
	Errors            []ProviderError
	// Payload is the subset of the raw status object kept in the durable log.
	Payload json.RawMessage
}

// PrimaryError returns the first provider error, if any.
func (u StatusUpdate) PrimaryError() (ProviderError, bool) {
	if len(u.Errors) == 0 {
		return ProviderError{}, false
	}
	return u.Errors[0], true
}

// FlowReply is the payload of an interactive flow submission.
type FlowReply struct {
	Name         string
	Body         string
	ResponseJSON string
}

// InboundMessage is a normalized message sent by a contact to the business.
type InboundMessage struct {
	MessageID         string
	From              string
	ContactName       string
	Type              string
	Text              string
	ButtonPayload     string
	ReplyID           string
	ContextMessageID  string
	Flow              *FlowReply
	Timestamp         time.Time
	PhoneNumberID     string
	BusinessAccountID string
}

// IsFlowSubmission reports whether the message carries a flow reply.
func (m InboundMessage) IsFlowSubmission() bool {
	return m.Flow != nil && strings.TrimSpace(m.Flow.ResponseJSON) != ""
}

// TemplateStatusUpdate reports a review or quality change for a message template.
type TemplateStatusUpdate struct {
	TemplateID        string
	Name              string
	Language          string
	Event             string
	Reason            string
	BusinessAccountID string
}

// DecodeError describes an item that could not be turned into a typed event.
// Rejected items do not fail the batch.
type DecodeError struct {
	Entry  int
	Change int
	Kind   string
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("webhook: entry %d change %d: %s: %s", e.Entry, e.Change, e.Kind, e.Reason)
}

// Batch is the typed content of one delivery.
type Batch struct {
	Object           string
	TemplateStatuses []TemplateStatusUpdate
	Statuses         []StatusUpdate
	Inbound          []InboundMessage
	Rejects          []DecodeError
}

// Empty reports whether the batch produced no events at all.
func (b Batch) Empty() bool {
	return len(b.TemplateStatuses) == 0 && len(b.Statuses) == 0 && len(b.Inbound) == 0
}

// Decode parses a raw body into an Envelope.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if len(bytes.TrimSpace(body)) == 0 {
		return env, fmt.Errorf("%w: empty body", ErrUnparseable)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return env, nil
}

// Normalize walks entry -> change and splits the envelope into typed event
// collections. An unrecognized object kind returns ErrUnsupportedObject.
func Normalize(env Envelope) (Batch, error) {
	batch := Batch{Object: env.Object}
	if env.Object != ObjectWhatsAppBusinessAccount {
		return batch, fmt.Errorf("%w: %q", ErrUnsupportedObject, env.Object)
	}

	reject := func(ei, ci int, kind, reason string) {
		batch.Rejects = append(batch.Rejects, DecodeError{Entry: ei, Change: ci, Kind: kind, Reason: reason})
	}

	for ei, rawEntry := range env.Entry {
		var entry Entry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			reject(ei, -1, "entry", err.Error())
			continue
		}
		accountID := string(entry.ID)

		for ci, rawChange := range entry.Changes {
			var change Change
			if err := json.Unmarshal(rawChange, &change); err != nil {
				reject(ei, ci, "change", err.Error())
				continue
			}
			v := change.Value
			phoneID := string(v.Metadata.PhoneNumberID)

			updates, bad := templateUpdates(v)
			for _, reason := range bad {
				reject(ei, ci, "template_status", reason)
			}
			for _, tu := range updates {
				if tu.TemplateID == "" && tu.Name == "" {
					reject(ei, ci, "template_status", "missing template id")
					continue
				}
				tu.BusinessAccountID = accountID
				batch.TemplateStatuses = append(batch.TemplateStatuses, tu)
			}

			for _, raw := range v.Statuses {
				var ws wireStatus
				if err := json.Unmarshal(raw, &ws); err != nil {
					reject(ei, ci, "status", err.Error())
					continue
				}
				update, err := normalizeStatus(ws)
				if err != nil {
					reject(ei, ci, "status", err.Error())
					continue
				}
				update.PhoneNumberID = phoneID
				update.BusinessAccountID = accountID
				batch.Statuses = append(batch.Statuses, update)
			}

			names := make(map[string]string, len(v.Contacts))
			for _, raw := range v.Contacts {
				var c wireContact
				if err := json.Unmarshal(raw, &c); err != nil {
					continue
				}
				names[c.WaID] = c.Profile.Name
			}
			for _, raw := range v.Messages {
				var wm wireMessage
				if err := json.Unmarshal(raw, &wm); err != nil {
					reject(ei, ci, "message", err.Error())
					continue
				}
				msg, err := normalizeMessage(wm)
				if err != nil {
					reject(ei, ci, "message", err.Error())
					continue
				}
				msg.ContactName = names[msg.From]
				msg.PhoneNumberID = phoneID
				msg.BusinessAccountID = accountID
				batch.Inbound = append(batch.Inbound, msg)
			}
		}
	}
	return batch, nil
}

// Parse is Decode followed by Normalize.
func Parse(body []byte) (Batch, error) {
	env, err := Decode(body)
	if err != nil {
		return Batch{}, err
	}
	return Normalize(env)
}

func templateUpdates(v ChangeValue) ([]TemplateStatusUpdate, []string) {
	var (
		out []TemplateStatusUpdate
		bad []string
	)
	for _, raw := range v.TemplateUpdates {
		var t wireTemplateStatus
		if err := json.Unmarshal(raw, &t); err != nil {
			bad = append(bad, err.Error())
			continue
		}
		out = append(out, TemplateStatusUpdate{
			TemplateID: string(t.MessageTemplateID),
			Name:       t.MessageTemplateName,
			Language:   t.MessageTemplateLanguage,
			Event:      strings.ToUpper(strings.TrimSpace(t.Event)),
			Reason:     t.Reason,
		})
	}
	// Legacy shape: the update fields sit directly on the value object.
	if len(out) == 0 && len(bad) == 0 && strings.TrimSpace(v.Event) != "" {
		out = append(out, TemplateStatusUpdate{
			TemplateID: string(v.MessageTemplateID),
			Name:       v.MessageTemplateName,
			Language:   v.MessageTemplateLanguage,
			Event:      strings.ToUpper(strings.TrimSpace(v.Event)),
			Reason:     v.Reason,
		})
	}
	return out, bad
}

func normalizeStatus(ws wireStatus) (StatusUpdate, error) {
	id := strings.TrimSpace(ws.ID)
	if id == "" {
		return StatusUpdate{}, errors.New("missing message id")
	}
	status := Status(strings.ToLower(strings.TrimSpace(ws.Status)))
	if !status.Valid() {
		return StatusUpdate{}, fmt.Errorf("unknown status %q", ws.Status)
	}

	rawErrs := ws.Errors
	if len(rawErrs) == 0 && len(ws.Error) > 0 && string(ws.Error) != "null" {
		rawErrs = rawItems{ws.Error}
	}
	errs := make([]ProviderError, 0, len(rawErrs))
	for _, raw := range rawErrs {
		errs = append(errs, decodeProviderError(raw))
	}

	payload, err := json.Marshal(statusPayload{
		ID:           id,
		Status:       string(status),
		Timestamp:    ws.Timestamp.Raw,
		RecipientID:  string(ws.RecipientID),
		Errors:       errs,
		Conversation: ws.Conversation,
		Pricing:      ws.Pricing,
	})
	if err != nil {
		return StatusUpdate{}, fmt.Errorf("encode payload: %w", err)
	}

	return StatusUpdate{
		MessageID:   id,
		Status:      status,
		Timestamp:   ws.Timestamp.Time,
		RecipientID: string(ws.RecipientID),
		Errors:      errs,
		Payload:     payload,
	}, nil
}

// decodeProviderError keeps an undecodable error entry as code 0 so the
// status it belongs to is still applied.
func decodeProviderError(raw json.RawMessage) ProviderError {
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		return ProviderError{Title: "undecodable provider error", Details: string(raw)}
	}
	details := we.ErrorData.Details
	if details == "" {
		details = we.Details
	}
	return ProviderError{
		Code:    int(we.Code),
		Title:   we.Title,
		Message: we.Message,
		Details: details,
		Href:    we.Href,
	}
}

type statusPayload struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Timestamp    string          `json:"timestamp,omitempty"`
	RecipientID  string          `json:"recipient_id,omitempty"`
	Errors       []ProviderError `json:"errors,omitempty"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	Pricing      json.RawMessage `json:"pricing,omitempty"`
}

func normalizeMessage(wm wireMessage) (InboundMessage, error) {
	id := strings.TrimSpace(wm.ID)
	if id == "" {
		return InboundMessage{}, errors.New("missing message id")
	}
	from := strings.TrimSpace(wm.From)
	if from == "" {
		return InboundMessage{}, errors.New("missing sender")
	}

	msg := InboundMessage{
		MessageID: id,
		From:      from,
		Type:      wm.Type,
		Timestamp: wm.Timestamp.Time,
	}
	if wm.Context != nil {
		msg.ContextMessageID = wm.Context.ID
	}
	if wm.Text != nil {
		msg.Text = wm.Text.Body
	}
	if wm.Button != nil {
		msg.Text = wm.Button.Text
		msg.ButtonPayload = wm.Button.Payload
	}
	if in := wm.Interactive; in != nil {
		switch {
		case in.NFMReply != nil:
			msg.Flow = &FlowReply{
				Name:         in.NFMReply.Name,
				Body:         in.NFMReply.Body,
				ResponseJSON: in.NFMReply.ResponseJSON,
			}
		case in.ButtonReply != nil:
			msg.Text = in.ButtonReply.Title
			msg.ReplyID = in.ButtonReply.ID
		case in.ListReply != nil:
			msg.Text = in.ListReply.Title
			msg.ReplyID = in.ListReply.ID
		}
	}
	return msg, nil
}
