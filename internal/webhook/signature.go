// Package webhook authenticates payment provider callbacks and hands the
// events to background processing.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t:<unix>,v1:<hex>".
const SignatureHeader = "X-Webhook-Signature"

// Verification failures. Each maps to a rejection reason label.
var (
	ErrMissingSignature   = errors.New("webhook: missing signature")
	ErrMalformedSignature = errors.New("webhook: malformed signature")
	ErrStaleTimestamp     = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
)

// Reason returns the short label used in logs and metrics for a verification
// error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrSignatureMismatch):
		return "bad_signature"
	default:
		return "invalid"
	}
}

// Signature is a parsed signature header.
type Signature struct {
	Timestamp int64
	V1        [][]byte
}

// ParseSignature splits the header into its timestamp and v1 digests. More
// than one v1 entry may be present while the secret is being rotated.
func ParseSignature(header string) (Signature, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Signature{}, ErrMissingSignature
	}
	var (
		sig   Signature
		hasTS bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return Signature{}, ErrMalformedSignature
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil || hasTS {
				return Signature{}, ErrMalformedSignature
			}
			sig.Timestamp, hasTS = ts, true
		case "v1":
			digest, err := hex.DecodeString(value)
			if err != nil || len(digest) != sha256.Size {
				return Signature{}, ErrMalformedSignature
			}
			sig.V1 = append(sig.V1, digest)
		}
	}
	if !hasTS || len(sig.V1) == 0 {
		return Signature{}, ErrMalformedSignature
	}
	return sig, nil
}

// Sign computes the header value for body at ts.
func Sign(secret []byte, ts time.Time, body []byte) string {
	unix := ts.Unix()
	return "t:" + strconv.FormatInt(unix, 10) + ",v1:" + hex.EncodeToString(digest(secret, unix, body))
}

func digest(secret []byte, unix int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte{':'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Verifier checks HMAC-SHA256 signatures over "<unix>:<raw body>".
type Verifier struct {
	// Secrets are tried in order; the first is current.
	Secrets   [][]byte
	Tolerance time.Duration
	Now       func() time.Time
}

// NewVerifier builds a verifier for one or more comma separated secrets.
func NewVerifier(secrets string, tolerance time.Duration) Verifier {
	v := Verifier{Tolerance: tolerance}
	for _, s := range strings.Split(secrets, ",") {
		if s = strings.TrimSpace(s); s != "" {
			v.Secrets = append(v.Secrets, []byte(s))
		}
	}
	return v
}

// Verify fails closed: no configured secret rejects every request.
func (v Verifier) Verify(header string, body []byte) (Signature, error) {
	sig, err := ParseSignature(header)
	if err != nil {
		return Signature{}, err
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	skew := now.Sub(time.Unix(sig.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance() {
		return sig, ErrStaleTimestamp
	}
	for _, secret := range v.Secrets {
		expected := digest(secret, sig.Timestamp, body)
		for _, got := range sig.V1 {
			if hmac.Equal(expected, got) {
				return sig, nil
			}
		}
	}
	return sig, ErrSignatureMismatch
}

func (v Verifier) tolerance() time.Duration {
	if v.Tolerance <= 0 {
		return 5 * time.Minute
	}
	return v.Tolerance
}
