package ingest

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := "intake-secret"
	body := []byte(`{"op":"Request","goal_id":"G1"}`)
	sig := hex.EncodeToString(Sign(body, secret))

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{"plain hex", body, sig, secret, false},
		{"prefixed", body, "sha256=" + sig, secret, false},
		{"header helper", body, SignatureHeader(body, secret), secret, false},
		{"wrong signature", body, "00" + sig[2:], secret, true},
		{"tampered body", []byte(`{"op":"Return","goal_id":"G1"}`), sig, secret, true},
		{"wrong secret", body, sig, "other", true},
		{"empty signature", body, "", secret, true},
		{"empty secret", body, sig, "", true},
		{"malformed hex", body, "sha256=zz", secret, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySignature(tt.body, tt.signature, tt.secret)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, ErrVerification, err, "errors carry no detail")
		})
	}
}

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"2048", 2048, false},
		{"64KB", 64 << 10, false},
		{"1mb", 1 << 20, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"lots", 0, true},
		{"9999999999MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMaxBodySize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
