// Package webhook receives and authenticates payment notifications from
// the provider.
//
// Verification runs over the raw request bytes before any parsing. The
// signature is computed over the wire representation, so decoding and
// re-serializing first would change the byte layout and break it.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Verifier checks provider signatures on inbound notifications.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier with the shared provider secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify reports whether signatureHeader is a valid HMAC-SHA256 of
// payload. It returns false, never an error, on a missing or malformed
// header. An optional "sha256=" prefix is accepted.
func (v *Verifier) Verify(payload []byte, signatureHeader string) bool {
	if len(v.secret) == 0 || signatureHeader == "" {
		return false
	}

	sigHex := strings.TrimPrefix(signatureHeader, "sha256=")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Sign computes the hex signature for payload. Used by tests and by
// integrations that need to emit compatible notifications.
func (v *Verifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
