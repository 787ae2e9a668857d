package webhook

import (
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	secret := "app-secret"
	valid := Sign(secret, body)

	tests := []struct {
		name   string
		secret string
		body   []byte
		header string
		want   bool
	}{
		{name: "valid", secret: secret, body: body, header: valid, want: true},
		{name: "uppercase hex accepted", secret: secret, body: body, header: "sha256=" + strings.ToUpper(strings.TrimPrefix(valid, "sha256=")), want: true},
		{name: "missing header", secret: secret, body: body, header: "", want: false},
		{name: "wrong prefix", secret: secret, body: body, header: "sha1=" + strings.TrimPrefix(valid, "sha256="), want: false},
		{name: "truncated", secret: secret, body: body, header: valid[:len(valid)-2], want: false},
		{name: "wrong secret", secret: "other", body: body, header: valid, want: false},
		{name: "no secret allows anything", secret: "", body: body, header: "", want: true},
		{name: "no secret ignores garbage header", secret: "  ", body: body, header: "garbage", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.header); got != tt.want {
				t.Fatalf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySignatureDetectsAnyByteChange(t *testing.T) {
	secret := "app-secret"
	body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"1"}]}`)
	header := Sign(secret, body)
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if VerifySignature(secret, mutated, header) {
			t.Fatalf("signature still valid after flipping byte %d", i)
		}
	}
}
