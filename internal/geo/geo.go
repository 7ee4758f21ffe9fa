// Package geo implements the Geo/ASN Resolver (C8): a local lookup table
// (no network hop on the hot path) behind a three-state circuit breaker,
// with a bounded LRU cache absorbing repeat lookups for the same IP.
// Lookup failure never fails the pipeline -- the resolver substitutes
// GeoEnrichment::unknown and the caller continues (spec.md §4.6).
package geo

import (
	"errors"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"scrybe/internal/model"
)

// ErrCircuitOpen is returned by Lookup when the breaker is fail-fasting.
var ErrCircuitOpen = errors.New("geo circuit breaker open")

// Table is a local IP-range-to-enrichment lookup table. It holds whatever
// entries Load has been given, with no network access on the lookup path.
// Nothing here reads an external geo database; an empty table resolves
// every IP to unknown.
type Table struct {
	mu      sync.RWMutex
	entries []rangeEntry
}

type rangeEntry struct {
	network *net.IPNet
	geo     model.GeoEnrichment
}

// NewTable constructs an empty table. Load populates it.
func NewTable() *Table {
	return &Table{}
}

// Load replaces the table's contents with the given CIDR-to-enrichment
// entries. Entries are not required to be sorted or non-overlapping, but
// they are stored in map iteration order, so when ranges overlap which
// one matches is not defined.
func (t *Table) Load(entries map[string]model.GeoEnrichment) error {
	parsed := make([]rangeEntry, 0, len(entries))
	for cidr, geo := range entries {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return err
		}
		parsed = append(parsed, rangeEntry{network: network, geo: geo})
	}
	t.mu.Lock()
	t.entries = parsed
	t.mu.Unlock()
	return nil
}

// lookup scans the table for the first range containing ip. A miss
// returns (unknown, false).
func (t *Table) lookup(ip net.IP) (model.GeoEnrichment, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.network.Contains(ip) {
			return e.geo, true
		}
	}
	return model.UnknownGeo, false
}

// Resolver is the Geo/ASN Resolver (C8): a circuit-breaker-guarded local
// table lookup with an LRU result cache.
type Resolver struct {
	table   *Table
	breaker *CircuitBreaker
	cache   *lru.Cache[string, model.GeoEnrichment]
}

// NewResolver constructs a Resolver. cacheSize bounds the LRU cache's
// entry count; failureThreshold/resetTimeout configure the breaker.
func NewResolver(table *Table, cacheSize, failureThreshold int, resetTimeout time.Duration) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	c, err := lru.New[string, model.GeoEnrichment](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		table:   table,
		breaker: NewCircuitBreaker(failureThreshold, resetTimeout),
		cache:   c,
	}, nil
}

// Breaker exposes the resolver's circuit breaker for metrics wiring.
func (r *Resolver) Breaker() *CircuitBreaker { return r.breaker }

// Lookup resolves ip to a GeoEnrichment. If the circuit is open, it
// returns GeoEnrichment::unknown and ErrCircuitOpen without touching the
// table, satisfying "geo failure never fails the pipeline": callers
// should treat the returned enrichment as usable regardless of error.
func (r *Resolver) Lookup(ipStr string) (model.GeoEnrichment, error) {
	if cached, ok := r.cache.Get(ipStr); ok {
		return cached, nil
	}

	if !r.breaker.Allow() {
		return model.UnknownGeo, ErrCircuitOpen
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		r.breaker.RecordFailure()
		return model.UnknownGeo, errors.New("invalid ip address")
	}

	geo, found := r.table.lookup(ip)
	r.breaker.RecordSuccess()
	if found {
		r.cache.Add(ipStr, geo)
	}
	return geo, nil
}
