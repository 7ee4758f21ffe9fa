package auth

import (
	"strconv"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestVerifyValidSignature(t *testing.T) {
	now := time.Now()
	a := New("test-key", 5*time.Minute).WithClock(fixedClock(now))

	ts := now.UnixMilli()
	nonce := "abc-123"
	body := []byte(`{"sessionId":"x"}`)
	tsStr := timestampString(ts)

	sig := a.Sign(tsStr, nonce, body)

	err := a.Verify(Headers{Signature: sig, Timestamp: tsStr, Nonce: nonce}, body)
	if err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	a := New("test-key", 5*time.Minute)
	err := a.Verify(Headers{}, []byte("{}"))
	kind, ok := KindOf(err)
	if !ok || kind != MissingSignature {
		t.Fatalf("expected MissingSignature, got %v", err)
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	now := time.Now()
	a := New("test-key", 5*time.Minute).WithClock(fixedClock(now))

	staleTS := now.Add(-10 * time.Minute).UnixMilli()
	tsStr := timestampString(staleTS)
	nonce := "abc-123"
	body := []byte(`{}`)
	sig := a.Sign(tsStr, nonce, body)

	err := a.Verify(Headers{Signature: sig, Timestamp: tsStr, Nonce: nonce}, body)
	kind, ok := KindOf(err)
	if !ok || kind != TimestampSkew {
		t.Fatalf("expected TimestampSkew, got %v", err)
	}
}

func TestVerifyMalformedNonce(t *testing.T) {
	now := time.Now()
	a := New("test-key", 5*time.Minute).WithClock(fixedClock(now))
	tsStr := timestampString(now.UnixMilli())
	body := []byte(`{}`)
	sig := a.Sign(tsStr, "bad nonce!", body)

	err := a.Verify(Headers{Signature: sig, Timestamp: tsStr, Nonce: "bad nonce!"}, body)
	kind, ok := KindOf(err)
	if !ok || kind != MalformedNonce {
		t.Fatalf("expected MalformedNonce, got %v", err)
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	now := time.Now()
	a := New("test-key", 5*time.Minute).WithClock(fixedClock(now))
	tsStr := timestampString(now.UnixMilli())
	nonce := "abc-123"
	body := []byte(`{"a":1}`)
	sig := a.Sign(tsStr, nonce, body)

	tampered := []byte(`{"a":2}`)
	err := a.Verify(Headers{Signature: sig, Timestamp: tsStr, Nonce: nonce}, tampered)
	kind, ok := KindOf(err)
	if !ok || kind != SignatureMismatch {
		t.Fatalf("expected SignatureMismatch, got %v", err)
	}
}

func TestValidNonceFormat(t *testing.T) {
	tests := []struct {
		nonce string
		want  bool
	}{
		{"abc-123", true},
		{"ABCdef-000", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
	}
	for _, tt := range tests {
		if got := ValidNonceFormat(tt.nonce); got != tt.want {
			t.Errorf("ValidNonceFormat(%q) = %v, want %v", tt.nonce, got, tt.want)
		}
	}
}

func timestampString(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
