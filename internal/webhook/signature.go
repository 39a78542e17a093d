package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// ErrSignatureInvalid indicates the delivery failed HMAC verification. No
// state is mutated when this is returned.
var ErrSignatureInvalid = errors.New("webhook: invalid signature")

// VerifySignature checks the base64 HMAC-SHA256 signature the payment
// provider computes over the raw request body.
func VerifySignature(secret string, signature string, body []byte) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}
