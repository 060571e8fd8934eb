// ABOUTME: HMAC-SHA256 payload signing for outbound webhooks.
// ABOUTME: Signature covers "{unix timestamp}.{raw payload}"; hex, lower-case.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign computes the lower-case hex HMAC-SHA256 of "{timestamp}.{payload}"
// under secret. The payload bytes are signed verbatim; callers must transmit
// the same bytes they sign.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches Sign(secret, timestamp, payload).
// Constant-time comparison; changing any one input flips the result.
func Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}
