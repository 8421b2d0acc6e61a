// Package security validates inbound webhook requests from telephony and
// messaging providers, and resolves the real client IP behind trusted
// reverse proxies.
package security

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned when a webhook signature does not match
// the expected HMAC digest for the request.
var ErrInvalidSignature = errors.New("security: invalid webhook signature")

// ErrMissingSecret is returned when a validator is invoked with no secret
// configured for the provider it guards.
var ErrMissingSecret = errors.New("security: signing secret not configured")

// ErrTimestampExpired is returned when a signed request's timestamp falls
// outside the configured replay-attack tolerance window.
var ErrTimestampExpired = errors.New("security: request timestamp outside tolerance")

// TwilioValidator verifies Twilio's X-Twilio-Signature header: HMAC-SHA1
// over the full request URL with POST parameters sorted and appended,
// base64-encoded.
type TwilioValidator struct {
	AuthToken string
}

// Validate checks signature against url and the POST form params.
func (v TwilioValidator) Validate(signature, fullURL string, params map[string]string) error {
	if v.AuthToken == "" {
		return ErrMissingSecret
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := fullURL
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(v.AuthToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// SipgateValidator verifies sipgate's X-Sipgate-Signature header:
// HMAC-SHA256 over "<timestamp>.<body>", hex-encoded, with a separate
// timestamp freshness check.
type SipgateValidator struct {
	APIToken          string
	ToleranceSeconds  int64
}

// Validate checks the signature and then the timestamp's age against
// ToleranceSeconds, which defaults to 300 when not positive.
func (v SipgateValidator) Validate(signature, timestamp string, body []byte, now time.Time) error {
	if v.APIToken == "" {
		return ErrMissingSecret
	}

	signingString := timestamp + "." + string(body)
	mac := hmac.New(sha256.New, []byte(v.APIToken))
	mac.Write([]byte(signingString))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	tolerance := v.ToleranceSeconds
	if tolerance <= 0 {
		tolerance = 300
	}
	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", timestamp, err)
	}
	age := math.Abs(float64(now.Unix()) - ts)
	if age > float64(tolerance) {
		return ErrTimestampExpired
	}
	return nil
}

// GenericAlgorithm selects the hash function a GenericValidator uses.
type GenericAlgorithm string

// Supported GenericValidator algorithms.
const (
	AlgoSHA256 GenericAlgorithm = "sha256"
	AlgoSHA512 GenericAlgorithm = "sha512"
)

// GenericValidator verifies an arbitrary HMAC-signed webhook: hex-encoded
// HMAC over the raw body, optionally salted with a leading timestamp, for
// integrations that follow neither Twilio's nor sipgate's exact scheme.
type GenericValidator struct {
	Secret    string
	Algorithm GenericAlgorithm
}

// Validate checks signature, accepting an optional "sha256="/"sha512="
// prefix as many webhook senders prepend. timestamp may be empty.
func (v GenericValidator) Validate(signature string, body []byte, timestamp string) error {
	if v.Secret == "" {
		return ErrMissingSecret
	}

	data := string(body)
	if timestamp != "" {
		data = timestamp + "." + data
	}

	var sum []byte
	switch v.Algorithm {
	case AlgoSHA512:
		mac := hmac.New(sha512.New, []byte(v.Secret))
		mac.Write([]byte(data))
		sum = mac.Sum(nil)
	case AlgoSHA256, "":
		mac := hmac.New(sha256.New, []byte(v.Secret))
		mac.Write([]byte(data))
		sum = mac.Sum(nil)
	default:
		return fmt.Errorf("security: unsupported algorithm %q", v.Algorithm)
	}
	expected := hex.EncodeToString(sum)

	signature = strings.TrimPrefix(signature, "sha256=")
	signature = strings.TrimPrefix(signature, "sha512=")

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// BuildTwilioParams flattens url.Values (as produced by parsing a POST
// form body) into the map TwilioValidator.Validate expects. Twilio only
// ever sends single-valued form fields.
func BuildTwilioParams(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, vals := range form {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}
