package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"
)

// TestTwilioValidatorValid checks against Twilio's own published test
// vector (the AuthToken/URL/params/signature quadruple from Twilio's
// request validation documentation and its official client libraries'
// test suites), rather than a signature generated by this same
// implementation, so a systematic deviation from Twilio's signing scheme
// would actually be caught.
func TestTwilioValidatorValid(t *testing.T) {
	v := TwilioValidator{AuthToken: "12345"}
	url := "https://mycompany.com/myapp.php?foo=1&bar=2"
	params := map[string]string{
		"CallSid": "CA1234567890ABCDE1234567890ABCDE",
		"Caller":  "+14158675309",
		"Digits":  "1234",
		"From":    "+14158675309",
		"To":      "+18005551212",
	}
	sig := "RSOYDt4RCbwdjHZCNpWcBI+I0is="

	if err := v.Validate(sig, url, params); err != nil {
		t.Fatalf("expected valid signature against Twilio's official test vector, got %v", err)
	}
}

func TestTwilioValidatorInvalid(t *testing.T) {
	v := TwilioValidator{AuthToken: "authtoken"}
	if err := v.Validate("bogus", "https://example.com/x", nil); err == nil {
		t.Fatal("expected error for bogus signature")
	}
}

func TestTwilioValidatorMissingSecret(t *testing.T) {
	v := TwilioValidator{}
	if err := v.Validate("sig", "https://example.com/x", nil); err != ErrMissingSecret {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestSipgateValidatorValid(t *testing.T) {
	token := "sipgatetoken"
	now := time.Unix(1_700_000_000, 0)
	ts := "1700000000"
	body := []byte(`{"event":"incoming"}`)

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(ts + "." + string(body)))
	sig := hex.EncodeToString(mac.Sum(nil))

	v := SipgateValidator{APIToken: token, ToleranceSeconds: 300}
	if err := v.Validate(sig, ts, body, now); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestSipgateValidatorExpiredTimestamp(t *testing.T) {
	token := "sipgatetoken"
	ts := "1700000000"
	body := []byte("{}")

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(ts + "." + string(body)))
	sig := hex.EncodeToString(mac.Sum(nil))

	v := SipgateValidator{APIToken: token, ToleranceSeconds: 300}
	farFuture := time.Unix(1700000000+10_000, 0)
	if err := v.Validate(sig, ts, body, farFuture); err != ErrTimestampExpired {
		t.Fatalf("expected ErrTimestampExpired, got %v", err)
	}
}

func TestGenericValidatorWithPrefix(t *testing.T) {
	secret := "genericsecret"
	body := []byte(`{"ping":true}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	v := GenericValidator{Secret: secret, Algorithm: AlgoSHA256}
	if err := v.Validate(sig, body, ""); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestGenericValidatorUnsupportedAlgorithm(t *testing.T) {
	v := GenericValidator{Secret: "x", Algorithm: "md5"}
	if err := v.Validate("sig", []byte("body"), ""); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
