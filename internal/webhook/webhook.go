// Package webhook verifies HMAC-SHA256 signatures on incoming call webhooks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds the age of a timestamped signature.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrExpired          = errors.New("webhook signature outside tolerance")
)

// Headers are checked in order; the first non-empty one carries the signature.
var Headers = []string{"ElevenLabs-Signature", "X-Webhook-Signature", "X-Signature"}

// Verifier checks signatures computed with a shared secret. Three header
// forms are accepted:
//
//	<hex hmac(payload)>                 optionally prefixed "sha256="
//	t=<unix>,v0=<hex hmac("<t>.<payload>")>
//	<base64 hmac(payload)>
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// VerifyRequest verifies payload against the first signature header of h.
func (v *Verifier) VerifyRequest(h http.Header, payload []byte) error {
	for _, name := range Headers {
		if sig := h.Get(name); sig != "" {
			return v.Verify(sig, payload)
		}
	}
	return ErrMissingSignature
}

// Verify checks one signature header value against payload.
func (v *Verifier) Verify(header string, payload []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}
	if strings.HasPrefix(header, "t=") {
		return v.verifyTimestamped(header, payload)
	}
	mac := v.mac(payload)
	if sig, err := hex.DecodeString(strings.TrimPrefix(header, "sha256=")); err == nil && len(sig) == sha256.Size {
		if hmac.Equal(sig, mac) {
			return nil
		}
		return ErrInvalidSignature
	}
	if sig, err := base64.StdEncoding.DecodeString(header); err == nil && hmac.Equal(sig, mac) {
		return nil
	}
	return ErrInvalidSignature
}

func (v *Verifier) verifyTimestamped(header string, payload []byte) error {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = val
		case "v0":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed timestamped header", ErrInvalidSignature)
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := v.now().Sub(time.Unix(sec, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrExpired
	}
	mac := v.mac([]byte(ts + "." + string(payload)))
	for _, s := range sigs {
		sig, err := hex.DecodeString(s)
		if err == nil && hmac.Equal(sig, mac) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (v *Verifier) mac(data []byte) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(data)
	return h.Sum(nil)
}

// SignHex returns the raw hex signature of payload.
func SignHex(secret string, payload []byte) string {
	return hex.EncodeToString(NewVerifier(secret, 0).mac(payload))
}

// SignBase64 returns the base64 signature of payload.
func SignBase64(secret string, payload []byte) string {
	return base64.StdEncoding.EncodeToString(NewVerifier(secret, 0).mac(payload))
}

// SignTimestamped returns a "t=…,v0=…" header for payload signed at t.
func SignTimestamped(secret string, payload []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	mac := NewVerifier(secret, 0).mac([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v0=" + hex.EncodeToString(mac)
}
