package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the provider's HMAC of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// VerifySignature reports whether header is a valid HMAC-SHA256 of body under secret.
// An empty secret disables verification and every payload is accepted.
func VerifySignature(secret string, body []byte, header string) bool {
	if strings.TrimSpace(secret) == "" {
		return true
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided := strings.ToLower(strings.TrimPrefix(header, signaturePrefix))

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign returns the header value the provider would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
