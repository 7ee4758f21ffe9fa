// Package auth implements Scrybe's request authenticator (C4): HMAC
// signature verification over the exact bytes received, with a timestamp
// skew window and nonce format validation. Modeled on the HMAC gateway
// authenticator pattern seen in the retrieval pack (signed timestamp +
// nonce + method/path joined and HMAC'd, compared in constant time), with
// nonce *consumption* delegated to the shared cache rather than an
// in-process store, since Scrybe authentication must be correct across
// every gateway replica sharing one cache.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"regexp"
	"strconv"
	"time"
)

// ErrorKind enumerates the internally-distinguishable authentication
// failure reasons. All map to the same generic 401 externally.
type ErrorKind string

const (
	MissingSignature  ErrorKind = "missing_signature"
	MalformedSignature ErrorKind = "malformed_signature"
	TimestampSkew     ErrorKind = "timestamp_skew"
	MalformedNonce    ErrorKind = "malformed_nonce"
	SignatureMismatch ErrorKind = "signature_mismatch"
)

// Error wraps an ErrorKind so callers can distinguish failure reasons for
// metrics while returning a generic response externally.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return "authentication failed: " + string(e.Kind)
}

func newErr(kind ErrorKind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the ErrorKind from err, if it is an *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

const maxNonceBytes = 100

// nonceFormat matches alphanumeric characters plus dashes, per spec.
var nonceFormat = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidNonceFormat reports whether n satisfies the format + length bound
// required before it may enter any cache key space.
func ValidNonceFormat(n string) bool {
	return n != "" && len(n) <= maxNonceBytes && nonceFormat.MatchString(n)
}

// Headers is the subset of request headers the authenticator inspects.
type Headers struct {
	Signature string // "sha256=<hex>"
	Timestamp string // decimal milliseconds since epoch
	Nonce     string
}

// Authenticator verifies signed requests against a single shared HMAC key.
type Authenticator struct {
	key  []byte
	skew time.Duration
	now  func() time.Time
}

// New constructs an Authenticator with the given signing key and allowed
// timestamp skew window.
func New(signingKey string, skew time.Duration) *Authenticator {
	return &Authenticator{
		key:  []byte(signingKey),
		skew: skew,
		now:  time.Now,
	}
}

// WithClock overrides the authenticator's notion of "now", for tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Verify validates headers and body against the shared signing key. It
// never inspects parsed JSON — the signature covers exactly the bytes
// received.
func (a *Authenticator) Verify(h Headers, body []byte) error {
	if h.Signature == "" || h.Timestamp == "" || h.Nonce == "" {
		return newErr(MissingSignature)
	}

	const prefix = "sha256="
	if len(h.Signature) <= len(prefix) || h.Signature[:len(prefix)] != prefix {
		return newErr(MalformedSignature)
	}
	supplied, err := hex.DecodeString(h.Signature[len(prefix):])
	if err != nil || len(supplied) != sha256.Size {
		return newErr(MalformedSignature)
	}

	ms, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return newErr(TimestampSkew)
	}
	ts := time.UnixMilli(ms)
	if d := a.now().Sub(ts); d > a.skew || d < -a.skew {
		return newErr(TimestampSkew)
	}

	if !ValidNonceFormat(h.Nonce) {
		return newErr(MalformedNonce)
	}

	expected := a.sign(h.Timestamp, h.Nonce, body)
	if subtle.ConstantTimeCompare(expected, supplied) != 1 {
		return newErr(SignatureMismatch)
	}
	return nil
}

// sign computes HMAC-SHA256(key, timestamp || ":" || nonce || ":" || body).
func (a *Authenticator) sign(timestamp, nonce string, body []byte) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write([]byte(nonce))
	mac.Write([]byte(":"))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign is exported for tests and for the browser-agent-facing fixtures
// that need to produce validly-signed requests.
func (a *Authenticator) Sign(timestamp, nonce string, body []byte) string {
	return "sha256=" + hex.EncodeToString(a.sign(timestamp, nonce, body))
}
