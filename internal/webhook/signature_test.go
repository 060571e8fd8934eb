// ABOUTME: Tests for HMAC payload signing: round trip and tamper detection.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	payload := []byte(`{"event":"conversion.completed","job_id":"abc"}`)
	var ts int64 = 1735689600

	sig := Sign(secret, ts, payload)
	assert.True(t, Verify(secret, ts, payload, sig))
}

func TestSign_MatchesManualHMAC(t *testing.T) {
	secret := "s3cret"
	payload := []byte(`{"k":"v"}`)
	var ts int64 = 1700000000

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("1700000000." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, expected, Sign(secret, ts, payload))
}

func TestVerify_FlipsOnAnyChangedInput(t *testing.T) {
	secret := "s3cret"
	payload := []byte(`{"k":"v"}`)
	var ts int64 = 1700000000
	sig := Sign(secret, ts, payload)

	assert.False(t, Verify("other-secret", ts, payload, sig), "changed secret")
	assert.False(t, Verify(secret, ts+1, payload, sig), "changed timestamp")
	assert.False(t, Verify(secret, ts, []byte(`{"k":"w"}`), sig), "changed body")
	tampered := sig[:len(sig)-1] + "0"
	if sig[len(sig)-1] == '0' {
		tampered = sig[:len(sig)-1] + "1"
	}
	assert.False(t, Verify(secret, ts, payload, tampered), "changed signature")
}
