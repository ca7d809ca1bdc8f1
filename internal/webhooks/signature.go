// Package webhooks fans message lifecycle events out to tenant endpoints
// with HMAC signing, a per-attempt delivery ledger, and scheduled retries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Signature header names sent with every delivery.
const (
	HeaderID        = "X-Monkeys-Id"
	HeaderTimestamp = "X-Monkeys-Timestamp"
	HeaderSignature = "X-Monkeys-Signature"
)

// Sign returns the hex HMAC-SHA256 of "{ts}.{body}" under the secret.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the signature header value.
func SignatureHeader(secret string, ts int64, body []byte) string {
	return "v1=" + Sign(secret, ts, body) + ",alg=HMAC-SHA256"
}

// Verify checks a presented signature header against the body. Receivers
// use it to authenticate deliveries.
func Verify(secret, header string, ts int64, body []byte) bool {
	var presented string
	for _, part := range strings.Split(header, ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "v1="); ok {
			presented = v
			break
		}
	}
	if presented == "" {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(Sign(secret, ts, body)))
}
