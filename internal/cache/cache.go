// Package cache implements Scrybe's Cache component (C2): session
// metadata, fingerprint-to-session correlation, nonce consumption, rate
// counters and the per-severity anomaly feed. It is the single shared
// key/value store the design grants set-if-absent-with-TTL and atomic
// increment primitives to, the way spec.md's §4.9 and §5 require.
//
// Two implementations satisfy the Cache interface: a Redis-backed store
// for production (internal/cache/redis.go, grounded on the teacher's
// internal/session/redis_store.go SAdd/SMembers/pub-sub idiom) and an
// in-memory store for development and tests (internal/cache/memory.go).
package cache

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrNotFound is returned by GetSession when no entry exists for the id.
var ErrNotFound = errors.New("cache: not found")

// fingerprintHashFormat matches exactly 64 lowercase hex characters, the
// shape of a SHA-256 digest rendered as lowercase hex. Validating this
// before a fingerprint hash is used as a cache key prevents key-space
// injection (spec.md §4.9).
var fingerprintHashFormat = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidFingerprintHash reports whether hash is a well-formed composite
// fingerprint hash.
func ValidFingerprintHash(hash string) bool {
	return fingerprintHashFormat.MatchString(hash)
}

// SessionMeta is the per-session metadata the cache owns, keyed by
// session id (spec.md §3 CacheEntries: session-metadata).
type SessionMeta struct {
	FingerprintHash    string    `json:"fingerprintHash"`
	HashedIP           string    `json:"hashedIp"`
	FirstSeen          time.Time `json:"firstSeen"`
	LastSeen           time.Time `json:"lastSeen"`
	RequestCount       int       `json:"requestCount"`
	LastBotProbability float64   `json:"lastBotProbability"`
}

// AnomalyFeedEntry is one entry in the time-ordered, bounded per-severity
// anomaly feed.
type AnomalyFeedEntry struct {
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	At        time.Time `json:"at"`
}

// MaxAnomalyFeedLen bounds each severity's feed (spec.md §4.9: "bounded
// circular collections (≤1000 entries per severity)").
const MaxAnomalyFeedLen = 1000

// Cache is the interface the rest of the pipeline depends on. Every
// method must be safe for concurrent use; per-session operations
// (StoreSession -> UpdateSession -> Correlate) are linearizable from the
// perspective of a single session id, but no ordering is guaranteed
// across distinct sessions (spec.md §5).
type Cache interface {
	// StoreSession creates or overwrites a session's metadata entry,
	// subject to the store's configured session TTL.
	StoreSession(ctx context.Context, sessionID string, meta SessionMeta) error

	// GetSession retrieves a session's metadata. Returns ErrNotFound if
	// absent or expired.
	GetSession(ctx context.Context, sessionID string) (SessionMeta, error)

	// UpdateSession increments the request count and bumps last-seen to
	// now. It is a no-op (returning ErrNotFound) if the session is
	// absent.
	UpdateSession(ctx context.Context, sessionID string, botProbability float64) error

	// FindByFingerprint returns the session ids indexed under the given
	// (valid, 64-lowercase-hex) fingerprint hash; sessions whose entries
	// have expired may be omitted.
	FindByFingerprint(ctx context.Context, fingerprintHash string) ([]string, error)

	// Correlate implements the correlation rule of spec.md §4.9: same
	// fingerprint hash AND same hashed IP resolves to an existing
	// session id (which the caller should treat as a continuation);
	// otherwise ok is false and the caller should mint a new session.
	Correlate(ctx context.Context, fingerprintHash, hashedIP string) (sessionID string, ok bool, err error)

	// InsertNonceIfAbsent atomically checks-and-inserts a nonce with the
	// given TTL. It returns true if the nonce was previously unseen
	// (i.e., the request should proceed); false if it was already
	// present (i.e., a replay).
	InsertNonceIfAbsent(ctx context.Context, nonce string, ttl time.Duration) (bool, error)

	// ContainsNonce reports whether nonce is currently tracked as seen,
	// without inserting it.
	ContainsNonce(ctx context.Context, nonce string) (bool, error)

	// IncrRate atomically increments the counter for key within its
	// window (creating it with an expiry of window on first use) and
	// returns the post-increment count.
	IncrRate(ctx context.Context, key string, window time.Duration) (int64, error)

	// PublishAnomaly appends an entry to the bounded, time-ordered feed
	// for severity.
	PublishAnomaly(ctx context.Context, sessionID, kind, severity string, at time.Time) error

	// RecentAnomalies returns up to limit of the most recent entries for
	// severity, newest first.
	RecentAnomalies(ctx context.Context, severity string, limit int) ([]AnomalyFeedEntry, error)

	// Ping verifies the backing store is reachable, used by the
	// gateway's readiness check.
	Ping(ctx context.Context) error

	// Close releases any held resources (connections, goroutines).
	Close() error
}
