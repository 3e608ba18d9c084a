package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/go-github/v57/github"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	DeliveryHeader  = "X-GitHub-Delivery"
	EventHeader     = "X-GitHub-Event"
)

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SignatureValue is the X-Hub-Signature-256 header GitHub sends for payload.
func SignatureValue(secret string, payload []byte) string {
	return "sha256=" + Sign(secret, payload)
}

// Verify checks a signature header against payload in constant time.
func Verify(signature string, payload []byte, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	return github.ValidateSignature(signature, payload, []byte(secret)) == nil
}
