package webhook

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ObjectWhatsAppBusinessAccount is the only envelope discriminator this service handles.
const ObjectWhatsAppBusinessAccount = "whatsapp_business_account"

// Envelope is the top-level provider delivery.
// Entries are kept raw so one malformed entry is rejected on its own.
type Envelope struct {
	Object string   `json:"object"`
	Entry  rawItems `json:"entry"`
}

// Entry groups changes for one business account.
type Entry struct {
	ID      flexString `json:"id"`
	Changes rawItems   `json:"changes"`
}

// Change wraps a single change notification.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries the event arrays. Each array field also accepts the
// legacy single-object shape, and every item is decoded separately.
type ChangeValue struct {
	MessagingProduct string   `json:"messaging_product"`
	Metadata         Metadata `json:"metadata"`
	Contacts         rawItems `json:"contacts"`
	Messages         rawItems `json:"messages"`
	Statuses         rawItems `json:"statuses"`

	// Template status changes arrive flat on the value object.
	Event                   string     `json:"event"`
	MessageTemplateID       flexString `json:"message_template_id"`
	MessageTemplateName     string     `json:"message_template_name"`
	MessageTemplateLanguage string     `json:"message_template_language"`
	Reason                  string     `json:"reason"`
	TemplateUpdates         rawItems   `json:"message_template_status_updates"`
}

// Metadata identifies the receiving business phone number.
type Metadata struct {
	DisplayPhoneNumber flexString `json:"display_phone_number"`
	PhoneNumberID      flexString `json:"phone_number_id"`
}

type wireContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type wireStatus struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Timestamp    flexTimestamp   `json:"timestamp"`
	RecipientID  flexString      `json:"recipient_id"`
	Errors       rawItems        `json:"errors"`
	Error        json.RawMessage `json:"error"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
	Pricing      json.RawMessage `json:"pricing,omitempty"`
}

type wireError struct {
	Code      flexInt `json:"code"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Href      string  `json:"href"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
	Details string `json:"details"`
}

type wireTemplateStatus struct {
	Event                   string     `json:"event"`
	MessageTemplateID       flexString `json:"message_template_id"`
	MessageTemplateName     string     `json:"message_template_name"`
	MessageTemplateLanguage string     `json:"message_template_language"`
	Reason                  string     `json:"reason"`
}

type wireMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp flexTimestamp `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *wireInteractive `json:"interactive"`
	Context     *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context"`
}

type wireInteractive struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply"`
	ListReply *struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"list_reply"`
	NFMReply *struct {
		Name         string `json:"name"`
		Body         string `json:"body"`
		ResponseJSON string `json:"response_json"`
	} `json:"nfm_reply"`
}

// rawItems holds the undecoded items of a JSON array. A single value is
// treated as a one-item array and null as empty. Items are decoded one at a
// time by the normalizer so a bad item cannot fail its siblings.
type rawItems []json.RawMessage

func (r *rawItems) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*r = nil
		return nil
	}
	if trimmed[0] == '[' {
		var many []json.RawMessage
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return err
		}
		*r = many
		return nil
	}
	*r = rawItems{append(json.RawMessage(nil), trimmed...)}
	return nil
}

// flexTimestamp accepts epoch seconds as a string or number. Anything else
// decodes to the zero time rather than failing the envelope.
type flexTimestamp struct {
	time.Time
	Raw string
}

func (f *flexTimestamp) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	f.Raw = raw
	if raw == "" || raw == "null" {
		return nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if fl, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			secs = int64(fl)
		} else {
			return nil
		}
	}
	if secs <= 0 {
		return nil
	}
	f.Time = time.Unix(secs, 0).UTC()
	return nil
}

// flexInt accepts numbers or numeric strings. Anything else decodes to 0,
// which the error catalogue treats as an unknown code.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	*f = 0
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if n, err := strconv.Atoi(raw); err == nil {
		*f = flexInt(n)
	} else if fl, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
		*f = flexInt(int(fl))
	}
	return nil
}

// flexString accepts strings or numbers (template ids arrive as either).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(raw)
	return nil
}
