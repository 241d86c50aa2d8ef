package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

// ValidSignature recomputes the webhook HMAC over notificationURL + payload.
func ValidSignature(payload []byte, notificationURL, key, header string) bool {
	if header == "" || key == "" {
		return false
	}
	expected := Sign(payload, notificationURL, key)
	return hmac.Equal([]byte(expected), []byte(header))
}

// Sign returns the header value Square would send for payload.
func Sign(payload []byte, notificationURL, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
