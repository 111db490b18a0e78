package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrVerification is the only error signature checks return.
var ErrVerification = errors.New("signature verification failed")

// verifySignature checks an HMAC-SHA256 signature of body in constant time.
// Both "sha256=<hex>" and bare hex are accepted.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return ErrVerification
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrVerification
	}
	if subtle.ConstantTimeCompare(Sign(body, secret), actual) != 1 {
		return ErrVerification
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a signature the way senders put it on the wire.
func SignatureHeader(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(Sign(body, secret))
}
