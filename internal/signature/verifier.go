// Package signature authenticates inbound requests with HMAC-SHA256 over the raw body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers lists the signature headers accepted, in lookup order.
var Headers = []string{
	"X-Outbox-Signature",
	"X-Edge-Signature",
	"X-Signature",
	"X-Hub-Signature-256",
	"X-NT-Sig",
}

// TimestampHeader optionally binds a signature to a unix timestamp ("<ts>.<body>").
const TimestampHeader = "X-Outbox-Timestamp"

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale or malformed timestamp")
)

// Verifier checks signatures against one or more shared secrets. With no
// secrets configured it runs in open mode and accepts everything.
type Verifier struct {
	secrets [][]byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier. Empty secrets are ignored; maxSkew bounds
// timestamped signatures (0 uses 180s).
func NewVerifier(secrets []string, maxSkew time.Duration) *Verifier {
	v := &Verifier{maxSkew: maxSkew, now: time.Now}
	if v.maxSkew <= 0 {
		v.maxSkew = 180 * time.Second
	}
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets = append(v.secrets, []byte(s))
		}
	}
	return v
}

// Open reports whether verification is disabled.
func (v *Verifier) Open() bool {
	return len(v.secrets) == 0
}

// Verify reports whether signature is a valid HMAC-SHA256 of body under any configured secret.
func (v *Verifier) Verify(body []byte, signature string) bool {
	if v.Open() {
		return true
	}
	return v.match(body, signature)
}

// VerifyTimestamped checks a signature over "<ts>.<body>" and rejects timestamps
// outside the allowed skew.
func (v *Verifier) VerifyTimestamped(body []byte, ts, signature string) error {
	if v.Open() {
		return nil
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return ErrStaleTimestamp
	}
	if !v.match(timestamped(ts, body), signature) {
		return ErrBadSignature
	}
	return nil
}

// VerifyRequest authenticates an HTTP request whose body has already been read.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte) error {
	if v.Open() {
		return nil
	}
	sig := FromRequest(r)
	if sig == "" {
		return ErrMissingSignature
	}
	if ts := r.Header.Get(TimestampHeader); ts != "" {
		return v.VerifyTimestamped(body, ts, sig)
	}
	if !v.match(body, sig) {
		return ErrBadSignature
	}
	return nil
}

func (v *Verifier) match(msg []byte, signature string) bool {
	provided := decode(signature)
	if len(provided) != sha256.Size {
		return false
	}
	ok := false
	for _, secret := range v.secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write(msg)
		// Check every secret so timing does not reveal which one matched.
		if hmac.Equal(mac.Sum(nil), provided) {
			ok = true
		}
	}
	return ok
}

// FromRequest returns the first non-empty signature header.
func FromRequest(r *http.Request) string {
	for _, h := range Headers {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	return ""
}

// Sign returns "sha256=<hex>" for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignTimestamped signs "<ts>.<body>".
func SignTimestamped(secret string, body []byte, ts time.Time) (string, string) {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	return Sign(secret, timestamped(stamp, body)), stamp
}

func timestamped(ts string, body []byte) []byte {
	msg := make([]byte, 0, len(ts)+1+len(body))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	return append(msg, body...)
}

// decode accepts hex or base64 (standard, raw, URL), optionally prefixed with "sha256=".
func decode(sig string) []byte {
	sig = strings.TrimSpace(sig)
	if len(sig) >= 7 && strings.EqualFold(sig[:7], "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return nil
	}
	if b, err := hex.DecodeString(sig); err == nil {
		return b
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(sig); err == nil {
			return b
		}
	}
	return nil
}
