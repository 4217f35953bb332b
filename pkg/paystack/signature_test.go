package paystack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)
	secret := "sk_test_secret"

	sig := Signature(payload, secret)
	assert.Len(t, sig, 128) // hex-encoded SHA-512

	assert.True(t, VerifySignature(payload, sig, secret))
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"event":"charge.success"}`)
	sig := Signature(payload, "sk_test_one")
	assert.False(t, VerifySignature(payload, sig, "sk_test_other"))
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	secret := "sk_test_secret"
	sig := Signature([]byte(`{"amount":100}`), secret)
	assert.False(t, VerifySignature([]byte(`{"amount":999}`), sig, secret))
}

func TestVerifySignature_EmptyInputs(t *testing.T) {
	payload := []byte("body")
	secret := "sk_test_secret"

	assert.False(t, VerifySignature(payload, "", secret))
	assert.False(t, VerifySignature(payload, Signature(payload, secret), ""))
}
