package responder

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Admin requests carry a unix timestamp and a base64 HMAC-SHA256 signature
// over a canonical payload derived from the request body. Both sides build
// the payload from parsed fields rather than raw bytes so the signature is
// independent of JSON formatting.
const (
	HeaderTimestamp = "X-Certagent-Timestamp"
	HeaderSignature = "X-Certagent-Signature"
)

func registrationPayload(timestamp int64, host, token, keyAuthorization string, ttlSecs int64) string {
	return fmt.Sprintf("%d.%s.%s.%s.%d", timestamp, host, token, keyAuthorization, ttlSecs)
}

func removalPayload(timestamp int64, host, token string) string {
	return fmt.Sprintf("%d.%s.%s", timestamp, host, token)
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret, signature, payload string) bool {
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hmac.Equal(decoded, mac.Sum(nil))
}
