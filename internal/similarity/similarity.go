// Package similarity implements the Similarity Index (C9):
// Locality-Sensitive Hashing over 128-permutation MinHash signatures for
// near-neighbor lookup. The signature is partitioned into B bands of R
// rows; two signatures are candidates if any band matches exactly.
// Candidates are re-ranked by true Jaccard similarity and filtered by a
// threshold, matching spec.md §4.7.
package similarity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"scrybe/internal/fingerprint"
	"scrybe/internal/model"
)

const signatureLen = 128

// entry is one fingerprint tracked by the index.
type entry struct {
	hash      string
	signature [signatureLen]uint64
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	clusterID string
}

// Config configures the LSH banding and result shaping.
type Config struct {
	Bands     int
	Rows      int
	TopN      int
	Threshold float64
}

// Index is the in-process Similarity Index. It is safe for concurrent
// use; all state lives behind a single RWMutex since lookups and
// inserts are both O(candidates), not O(all fingerprints).
type Index struct {
	cfg Config

	mu        sync.RWMutex
	entries   map[string]*entry            // fingerprint hash -> entry
	bandIndex []map[uint64][]string        // per-band: band-key -> fingerprint hashes
	clusters  map[string][]string          // cluster id -> member fingerprint hashes
	nextID    int
}

// New constructs an Index. Bands*Rows must equal 128 (the MinHash
// signature length); if it does not, bands/rows fall back to 32 bands of
// 4 rows.
func New(cfg Config) *Index {
	if cfg.Bands <= 0 {
		cfg.Bands = 32
	}
	if cfg.Rows <= 0 {
		cfg.Rows = signatureLen / cfg.Bands
	}
	if cfg.Bands*cfg.Rows != signatureLen {
		cfg.Bands = 32
		cfg.Rows = 4
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.70
	}

	return &Index{
		cfg:       cfg,
		entries:   make(map[string]*entry),
		bandIndex: make([]map[uint64][]string, cfg.Bands),
		clusters:  make(map[string][]string),
	}
}

func (idx *Index) bandKeys(sig [signatureLen]uint64) []uint64 {
	keys := make([]uint64, idx.cfg.Bands)
	for b := 0; b < idx.cfg.Bands; b++ {
		var h uint64 = 1469598103934665603
		for r := 0; r < idx.cfg.Rows; r++ {
			h ^= sig[b*idx.cfg.Rows+r]
			h *= 1099511628211
		}
		keys[b] = h
	}
	return keys
}

// Observe records a fingerprint sighting, inserting it into the LSH
// bands on first sight and updating its recency/count on every sighting.
// It returns the up-to-TopN near neighbors found via banding, re-ranked
// by true Jaccard similarity and filtered by the configured threshold,
// and the cluster the fingerprint was assigned or joined.
func (idx *Index) Observe(hash string, sig [signatureLen]uint64, at time.Time) (model.SimilarityRecord, error) {
	if hash == "" {
		return model.SimilarityRecord{}, fmt.Errorf("empty fingerprint hash")
	}

	idx.mu.Lock()
	e, exists := idx.entries[hash]
	if !exists {
		e = &entry{hash: hash, signature: sig, firstSeen: at}
		idx.entries[hash] = e
		keys := idx.bandKeys(sig)
		for b, k := range keys {
			if idx.bandIndex[b] == nil {
				idx.bandIndex[b] = make(map[uint64][]string)
			}
			idx.bandIndex[b][k] = append(idx.bandIndex[b][k], hash)
		}
	}
	e.count++
	e.lastSeen = at
	idx.mu.Unlock()

	neighbors := idx.findSimilarLocked(hash, sig)

	idx.mu.Lock()
	clusterID, clusterSim := idx.assignCluster(hash, neighbors)
	idx.mu.Unlock()

	return model.SimilarityRecord{
		Neighbors:         neighbors,
		ClusterID:         clusterID,
		ClusterSimilarity: clusterSim,
	}, nil
}

// findSimilarLocked gathers LSH candidates and re-ranks by true Jaccard.
func (idx *Index) findSimilarLocked(hash string, sig [signatureLen]uint64) []model.Neighbor {
	keys := idx.bandKeys(sig)

	idx.mu.RLock()
	candidateSet := make(map[string]struct{})
	for b, k := range keys {
		for _, cand := range idx.bandIndex[b][k] {
			if cand != hash {
				candidateSet[cand] = struct{}{}
			}
		}
	}

	neighbors := make([]model.Neighbor, 0, len(candidateSet))
	for cand := range candidateSet {
		ce, ok := idx.entries[cand]
		if !ok {
			continue
		}
		j := fingerprint.Jaccard(sig, ce.signature)
		if j < idx.cfg.Threshold {
			continue
		}
		neighbors = append(neighbors, model.Neighbor{
			FingerprintHash: ce.hash,
			Jaccard:         j,
			SessionCount:    ce.count,
			FirstSeen:       ce.firstSeen,
			LastSeen:        ce.lastSeen,
		})
	}
	idx.mu.RUnlock()

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Jaccard > neighbors[j].Jaccard })
	if len(neighbors) > idx.cfg.TopN {
		neighbors = neighbors[:idx.cfg.TopN]
	}
	return neighbors
}

// assignCluster joins hash to the best neighbor's cluster, or opens a
// new one if hash has no sufficiently similar neighbor yet. Caller must
// hold idx.mu (write lock).
func (idx *Index) assignCluster(hash string, neighbors []model.Neighbor) (string, float64) {
	e := idx.entries[hash]
	if e.clusterID != "" {
		return e.clusterID, bestSimilarity(neighbors)
	}
	if len(neighbors) == 0 {
		return "", 0
	}

	best := neighbors[0]
	if other, ok := idx.entries[best.FingerprintHash]; ok && other.clusterID != "" {
		e.clusterID = other.clusterID
		idx.clusters[e.clusterID] = append(idx.clusters[e.clusterID], hash)
		return e.clusterID, best.Jaccard
	}

	idx.nextID++
	id := fmt.Sprintf("cluster-%d", idx.nextID)
	e.clusterID = id
	if other, ok := idx.entries[best.FingerprintHash]; ok {
		other.clusterID = id
		idx.clusters[id] = []string{hash, other.hash}
	} else {
		idx.clusters[id] = []string{hash}
	}
	return id, best.Jaccard
}

func bestSimilarity(neighbors []model.Neighbor) float64 {
	if len(neighbors) == 0 {
		return 0
	}
	return neighbors[0].Jaccard
}

// FindCluster returns the members of the cluster a fingerprint hash
// belongs to, if any.
func (idx *Index) FindCluster(hash string) ([]string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[hash]
	if !ok || e.clusterID == "" {
		return nil, false
	}
	members := idx.clusters[e.clusterID]
	out := make([]string, len(members))
	copy(out, members)
	return out, true
}
