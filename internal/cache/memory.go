package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCache is an in-process Cache, used for development and tests.
// Grounded on the teacher's MemoryStore (internal/session/store.go):
// a single RWMutex guarding plain Go maps, with lazy TTL expiry checked
// on read rather than a background sweep.
type MemoryCache struct {
	mu sync.RWMutex

	sessions map[string]sessionEntry
	fpIndex  map[string]map[string]struct{} // fingerprint hash -> session ids
	nonces   map[string]time.Time           // nonce -> expiry
	rates    map[string]rateEntry
	feeds    map[string][]AnomalyFeedEntry // severity -> entries, newest last

	sessionTTL time.Duration
	now        func() time.Time
}

type sessionEntry struct {
	meta    SessionMeta
	expires time.Time
}

type rateEntry struct {
	count   int64
	expires time.Time
}

// NewMemoryCache constructs a MemoryCache with the given session TTL.
func NewMemoryCache(sessionTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		sessions:   make(map[string]sessionEntry),
		fpIndex:    make(map[string]map[string]struct{}),
		nonces:     make(map[string]time.Time),
		rates:      make(map[string]rateEntry),
		feeds:      make(map[string][]AnomalyFeedEntry),
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// WithClock overrides the cache's notion of "now", for tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.now = now
	return c
}

func (c *MemoryCache) StoreSession(_ context.Context, sessionID string, meta SessionMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = sessionEntry{meta: meta, expires: c.now().Add(c.sessionTTL)}
	if ValidFingerprintHash(meta.FingerprintHash) {
		c.indexFingerprint(meta.FingerprintHash, sessionID)
	}
	return nil
}

func (c *MemoryCache) indexFingerprint(hash, sessionID string) {
	set, ok := c.fpIndex[hash]
	if !ok {
		set = make(map[string]struct{})
		c.fpIndex[hash] = set
	}
	set[sessionID] = struct{}{}
}

func (c *MemoryCache) GetSession(_ context.Context, sessionID string) (SessionMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.sessions[sessionID]
	if !ok || c.now().After(entry.expires) {
		return SessionMeta{}, ErrNotFound
	}
	return entry.meta, nil
}

func (c *MemoryCache) UpdateSession(_ context.Context, sessionID string, botProbability float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[sessionID]
	if !ok || c.now().After(entry.expires) {
		return ErrNotFound
	}
	entry.meta.RequestCount++
	entry.meta.LastSeen = c.now()
	entry.meta.LastBotProbability = botProbability
	entry.expires = c.now().Add(c.sessionTTL)
	c.sessions[sessionID] = entry
	return nil
}

func (c *MemoryCache) FindByFingerprint(_ context.Context, fingerprintHash string) ([]string, error) {
	if !ValidFingerprintHash(fingerprintHash) {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.fpIndex[fingerprintHash]
	out := make([]string, 0, len(set))
	for id := range set {
		if entry, ok := c.sessions[id]; ok && !c.now().After(entry.expires) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryCache) Correlate(_ context.Context, fingerprintHash, hashedIP string) (string, bool, error) {
	if !ValidFingerprintHash(fingerprintHash) {
		return "", false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id := range c.fpIndex[fingerprintHash] {
		entry, ok := c.sessions[id]
		if !ok || c.now().After(entry.expires) {
			continue
		}
		if entry.meta.HashedIP == hashedIP {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (c *MemoryCache) InsertNonceIfAbsent(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if expires, ok := c.nonces[nonce]; ok && now.Before(expires) {
		return false, nil
	}
	c.nonces[nonce] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) ContainsNonce(_ context.Context, nonce string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	expires, ok := c.nonces[nonce]
	if !ok {
		return false, nil
	}
	return c.now().Before(expires), nil
}

func (c *MemoryCache) IncrRate(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	entry, ok := c.rates[key]
	if !ok || now.After(entry.expires) {
		entry = rateEntry{count: 0, expires: now.Add(window)}
	}
	entry.count++
	c.rates[key] = entry
	return entry.count, nil
}

func (c *MemoryCache) PublishAnomaly(_ context.Context, sessionID, kind, severity string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	feed := append(c.feeds[severity], AnomalyFeedEntry{SessionID: sessionID, Kind: kind, Severity: severity, At: at})
	if len(feed) > MaxAnomalyFeedLen {
		feed = feed[len(feed)-MaxAnomalyFeedLen:]
	}
	c.feeds[severity] = feed
	return nil
}

func (c *MemoryCache) RecentAnomalies(_ context.Context, severity string, limit int) ([]AnomalyFeedEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	feed := c.feeds[severity]
	if limit <= 0 || limit > len(feed) {
		limit = len(feed)
	}
	out := make([]AnomalyFeedEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = feed[len(feed)-1-i]
	}
	return out, nil
}

func (c *MemoryCache) Ping(context.Context) error {
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}
