package signals

import (
	"net/http"
	"testing"

	"scrybe/internal/iphash"
)

func TestResolveIPUntrustedPeer(t *testing.T) {
	hasher := iphash.NewRotator("salt", 0)
	e := New(nil, hasher)

	r, _ := http.NewRequest("POST", "/api/v1/ingest", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	sig := e.Extract(r)
	if sig.HashedIP != hasher.Hash("203.0.113.5") {
		t.Fatal("expected untrusted peer's XFF header to be ignored")
	}
}

func TestResolveIPTrustedPeer(t *testing.T) {
	hasher := iphash.NewRotator("salt", 0)
	e := New([]string{"203.0.113.5"}, hasher)

	r, _ := http.NewRequest("POST", "/api/v1/ingest", nil)
	r.RemoteAddr = "203.0.113.5:54321"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	sig := e.Extract(r)
	if sig.HashedIP != hasher.Hash("198.51.100.9") {
		t.Fatal("expected trusted peer's XFF first hop to be honored")
	}
}

func TestFilterHeadersDropsUnlisted(t *testing.T) {
	r, _ := http.NewRequest("POST", "/api/v1/ingest", nil)
	r.Header.Set("User-Agent", "test-agent")
	r.Header.Set("Cookie", "session=abc123")
	r.Header.Set("Authorization", "Bearer secret")

	got := filterHeaders(r.Header)
	if got["User-Agent"] != "test-agent" {
		t.Fatal("expected allow-listed header to be captured")
	}
	if _, ok := got["Cookie"]; ok {
		t.Fatal("expected Cookie header to be dropped")
	}
	if _, ok := got["Authorization"]; ok {
		t.Fatal("expected Authorization header to be dropped")
	}
}

func TestIPNeverAppearsInHash(t *testing.T) {
	hasher := iphash.NewRotator("salt", 0)
	h := hasher.Hash("198.51.100.9")
	if h == "198.51.100.9" {
		t.Fatal("hash must not equal raw IP")
	}
}
