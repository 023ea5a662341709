package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// VerifySignature checks header against HMAC-SHA256(secret, body). The
// header may carry an optional "sha256=" prefix (any case). Comparison is
// constant time; a missing header or length mismatch is a mismatch.
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "sha256=") {
		header = header[7:]
	}
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	got := strings.ToLower(header)
	if len(got) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
