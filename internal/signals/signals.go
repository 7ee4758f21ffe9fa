// Package signals implements the server-side signal extractor (C6):
// trusted-proxy-aware client IP resolution (hashed before it enters any
// cached or persisted record), canonical JA3 TLS fingerprinting, and an
// explicit header allow-list. Nothing outside the allow-list — least of
// all authentication headers or cookies — is ever captured.
package signals

import (
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"strings"

	"scrybe/internal/iphash"
	"scrybe/internal/model"
)

// allowedHeaders is the exact capture allow-list from spec.md §4.4.
var allowedHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"Referer",
	"Sec-Ch-Ua",
	"Sec-Ch-Ua-Mobile",
	"Sec-Ch-Ua-Platform",
	"Sec-Fetch-Site",
	"Sec-Fetch-Mode",
	"Sec-Fetch-Dest",
	"Sec-Fetch-User",
}

// Extractor builds ServerSignals from an inbound HTTP request.
type Extractor struct {
	trustedProxies map[string]struct{}
	hasher         *iphash.Rotator
}

// New constructs an Extractor. trustedProxies lists peer addresses (or
// CIDR-less host strings, matching the teacher's plain string-set style)
// permitted to supply a trustworthy X-Forwarded-For chain.
func New(trustedProxies []string, hasher *iphash.Rotator) *Extractor {
	set := make(map[string]struct{}, len(trustedProxies))
	for _, p := range trustedProxies {
		set[p] = struct{}{}
	}
	return &Extractor{trustedProxies: set, hasher: hasher}
}

// Extract builds ServerSignals from r. The raw client IP is hashed before
// it is returned — it is never carried further in the clear.
func (e *Extractor) Extract(r *http.Request) model.ServerSignals {
	ip := e.resolveIP(r)
	return model.ServerSignals{
		HashedIP: e.hasher.Hash(ip),
		JA3:      extractJA3(r),
		Headers:  filterHeaders(r.Header),
	}
}

// ResolveIP returns the client's raw (unhashed) IP address string. It
// exists alongside Extract for the one caller that legitimately needs
// the address in the clear for the lifetime of a single request: the
// geo/ASN resolver, which looks up ranges the hash could never match.
// The value is never placed into model.ServerSignals and must not be
// retained past the request that produced it.
func (e *Extractor) ResolveIP(r *http.Request) string {
	return e.resolveIP(r)
}

// resolveIP returns the client IP as a bare address string, honoring
// X-Forwarded-For only when the immediate peer is a configured trusted
// proxy.
func (e *Extractor) resolveIP(r *http.Request) string {
	peer := peerHost(r.RemoteAddr)

	if _, trusted := e.trustedProxies[peer]; trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			first := strings.TrimSpace(parts[0])
			if first != "" {
				return first
			}
		}
	}
	return peer
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// filterHeaders keeps only the allow-listed header subset.
func filterHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(allowedHeaders))
	for _, name := range allowedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// extractJA3 assembles the canonical JA3 string from TLS ClientHello
// parameters surfaced by the connection state and returns it undigested;
// the fingerprint engine hashes it. Absent TLS metadata yields the empty
// string ("None").
func extractJA3(r *http.Request) string {
	if r.TLS == nil {
		return ""
	}
	return ja3String(r.TLS)
}

// ja3String builds "version,ciphers,extensions,curves,curveFormats" in
// that fixed field order, hyphen-separated numeric lists, from the
// connection state available to a Go net/http server (Go's stdlib does
// not expose the raw ClientHello extension list post-handshake, so this
// fills in only the negotiated version and cipher suite; the extensions,
// curves and curveFormats fields are left empty. No GetConfigForClient
// hook capturing the ClientHelloInfo is installed by the gateway).
func ja3String(cs *tls.ConnectionState) string {
	fields := []string{
		strconv.Itoa(int(cs.Version)),
		strconv.Itoa(int(cs.CipherSuite)),
		"",
		"",
		"",
	}
	return strings.Join(fields, ",")
}

// JA3FromClientHello builds the full canonical JA3 string from a captured
// ClientHelloInfo, for a TLS config that captures the pre-negotiation hello
// through a GetConfigForClient hook. Nothing in this repository installs
// such a hook or calls this function; request extraction uses the degraded
// ja3String above, built from post-handshake state.
func JA3FromClientHello(version uint16, cipherSuites []uint16, extensions []uint16, curves []tls.CurveID, curveFormats []uint8) string {
	fields := []string{
		strconv.Itoa(int(version)),
		joinUint16(cipherSuites),
		joinUint16(extensions),
		joinCurves(curves),
		joinUint8(curveFormats),
	}
	return strings.Join(fields, ",")
}

func joinUint16(vs []uint16) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

func joinCurves(vs []tls.CurveID) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}

func joinUint8(vs []uint8) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, "-")
}
