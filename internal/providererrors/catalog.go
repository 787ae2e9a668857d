// Package providererrors classifies WhatsApp Cloud API error codes.
package providererrors

import "fmt"

// Category groups provider errors by what can be done about them.
type Category string

const (
	CategoryUndeliverable Category = "undeliverable"
	CategoryOptOut        Category = "opt_out"
	CategoryPolicy        Category = "policy"
	CategoryTemplate      Category = "template"
	CategoryRateLimit     Category = "rate_limit"
	CategoryAccount       Category = "account"
	CategoryAuth          Category = "auth"
	CategoryPayload       Category = "payload"
	CategoryMedia         Category = "media"
	CategoryTransient     Category = "transient"
	CategoryUnknown       Category = "unknown"
)

// Classification is the catalogue entry for one error code.
type Classification struct {
	Code      int
	Category  Category
	Retryable bool
	Critical  bool
	OptOut    bool
	// Message is safe to show to dashboard users.
	Message string
	// Action is the recommended operator response.
	Action string
}

var catalog = map[int]Classification{
	0:      {Category: CategoryAuth, Critical: true, Message: "Authentication with WhatsApp failed", Action: "Reconnect the WhatsApp account"},
	3:      {Category: CategoryAuth, Critical: true, Message: "The app lacks the required capability", Action: "Review app permissions"},
	4:      {Category: CategoryRateLimit, Retryable: true, Message: "Too many API calls", Action: "Slow down sending"},
	10:     {Category: CategoryAuth, Critical: true, Message: "Permission denied", Action: "Review app permissions"},
	190:    {Category: CategoryAuth, Critical: true, Message: "Access token expired", Action: "Reconnect the WhatsApp account"},
	200:    {Category: CategoryAuth, Critical: true, Message: "Permission denied", Action: "Review app permissions"},
	368:    {Category: CategoryAccount, Critical: true, Message: "Account temporarily blocked for policy violations", Action: "Review account quality in Business Manager"},
	80007:  {Category: CategoryRateLimit, Retryable: true, Message: "Business account rate limit reached", Action: "Slow down sending"},
	130429: {Category: CategoryRateLimit, Retryable: true, Message: "Throughput limit reached", Action: "Slow down sending"},
	130472: {Category: CategoryPolicy, Message: "Recipient is part of a WhatsApp experiment", Action: "No action needed"},
	131000: {Category: CategoryTransient, Retryable: true, Message: "Something went wrong at WhatsApp", Action: "Retry later"},
	131005: {Category: CategoryAuth, Critical: true, Message: "Access denied", Action: "Review app permissions"},
	131008: {Category: CategoryPayload, Message: "A required parameter is missing", Action: "Fix the message payload"},
	131009: {Category: CategoryPayload, Message: "A parameter value is invalid", Action: "Fix the message payload"},
	131016: {Category: CategoryTransient, Retryable: true, Message: "WhatsApp service unavailable", Action: "Retry later"},
	131021: {Category: CategoryPayload, Message: "Recipient cannot be the sender", Action: "Remove the business number from the audience"},
	131026: {Category: CategoryUndeliverable, Message: "Message undeliverable to this number", Action: "Verify the number uses WhatsApp"},
	131031: {Category: CategoryAccount, Critical: true, Message: "Business account locked", Action: "Contact WhatsApp support"},
	131037: {Category: CategoryAccount, Critical: true, Message: "Display name not approved", Action: "Submit the display name for review"},
	131042: {Category: CategoryAccount, Critical: true, Message: "Payment method issue on the business account", Action: "Update the payment method"},
	131045: {Category: CategoryAccount, Critical: true, Message: "Phone number certificate is invalid", Action: "Re-register the phone number"},
	131047: {Category: CategoryPolicy, Message: "More than 24 hours since the customer last replied", Action: "Use an approved template"},
	131048: {Category: CategoryAccount, Critical: true, Message: "Spam rate limit hit", Action: "Review campaign quality and audience"},
	131049: {Category: CategoryUndeliverable, Retryable: true, Message: "WhatsApp chose not to deliver this marketing message", Action: "Retry later with fewer marketing messages"},
	131050: {Category: CategoryOptOut, OptOut: true, Message: "Recipient stopped marketing messages", Action: "Remove the contact from marketing audiences"},
	131051: {Category: CategoryPayload, Message: "Unsupported message type", Action: "Fix the message payload"},
	131052: {Category: CategoryMedia, Message: "Media download failed", Action: "Ask the sender to resend"},
	131053: {Category: CategoryMedia, Message: "Media upload failed", Action: "Check the media format and size"},
	131056: {Category: CategoryRateLimit, Retryable: true, Message: "Too many messages to this recipient", Action: "Wait before sending again"},
	131057: {Category: CategoryAccount, Critical: true, Message: "Account in maintenance mode", Action: "Wait for maintenance to finish"},
	132000: {Category: CategoryTemplate, Message: "Template parameter count mismatch", Action: "Fix template variables"},
	132001: {Category: CategoryTemplate, Message: "Template does not exist", Action: "Check template name and language"},
	132005: {Category: CategoryTemplate, Message: "Translated template text too long", Action: "Shorten the template"},
	132007: {Category: CategoryTemplate, Message: "Template violates format policy", Action: "Edit the template"},
	132012: {Category: CategoryTemplate, Message: "Template parameter format mismatch", Action: "Fix template variables"},
	132015: {Category: CategoryTemplate, Critical: true, Message: "Template paused for low quality", Action: "Edit the template or pick another"},
	132016: {Category: CategoryTemplate, Critical: true, Message: "Template disabled for low quality", Action: "Create a new template"},
	133010: {Category: CategoryAccount, Critical: true, Message: "Phone number not registered", Action: "Register the phone number"},
}

// Classify returns the catalogue entry for code. Unknown codes are classified
// as non-retryable with a generic message.
func Classify(code int) Classification {
	if c, ok := catalog[code]; ok {
		c.Code = code
		return c
	}
	if code >= 200 && code <= 299 {
		c := catalog[200]
		c.Code = code
		return c
	}
	return Classification{
		Code:     code,
		Category: CategoryUnknown,
		Message:  fmt.Sprintf("WhatsApp error %d", code),
		Action:   "Check the WhatsApp error reference",
	}
}

// IsCritical reports whether code threatens account health and should raise an alert.
func IsCritical(code int) bool {
	return Classify(code).Critical
}

// IsOptOut reports whether code means the recipient no longer wants messages.
func IsOptOut(code int) bool {
	return Classify(code).OptOut
}

// IsUndeliverable reports whether code counts toward the auto-suppression heuristic.
func IsUndeliverable(code int) bool {
	return Classify(code).Category == CategoryUndeliverable
}

// UndeliverableCodes lists the codes counted by the auto-suppression heuristic.
func UndeliverableCodes() []int {
	out := make([]int, 0, 4)
	for code, c := range catalog {
		if c.Category == CategoryUndeliverable {
			out = append(out, code)
		}
	}
	return out
}

// Classifier exposes the package functions behind an interface for injection.
type Classifier struct{}

func (Classifier) Classify(code int) Classification { return Classify(code) }
func (Classifier) IsCritical(code int) bool         { return IsCritical(code) }
func (Classifier) IsOptOut(code int) bool           { return IsOptOut(code) }
