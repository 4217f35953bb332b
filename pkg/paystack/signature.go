package paystack

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// SignatureHeader is the header Paystack sends on webhook deliveries.
const SignatureHeader = "X-Paystack-Signature"

// VerifySignature checks the HMAC-SHA512 signature of a raw webhook body
// against the gateway secret, in constant time. This is the only
// authentication on the inbound webhook and must run before any parsing
// of the untrusted payload.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	expected := Signature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Signature computes the hex HMAC-SHA512 of payload under secret.
func Signature(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
