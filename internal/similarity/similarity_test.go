package similarity

import (
	"testing"
	"time"
)

func sigFull(v uint64) [signatureLen]uint64 {
	var s [signatureLen]uint64
	for i := range s {
		s[i] = v
	}
	return s
}

func sigPartial(v uint64, diffPositions int) [signatureLen]uint64 {
	s := sigFull(v)
	for i := 0; i < diffPositions; i++ {
		s[i] = v + 1
	}
	return s
}

func TestObserveFindsSimilarAboveThreshold(t *testing.T) {
	idx := New(Config{Bands: 32, Rows: 4, TopN: 10, Threshold: 0.70})
	now := time.Now()

	if _, err := idx.Observe("hash-a", sigFull(1), now); err != nil {
		t.Fatal(err)
	}
	// hash-b differs in only a few positions -> Jaccard well above 0.70
	rec, err := idx.Observe("hash-b", sigPartial(1, 5), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Neighbors) != 1 || rec.Neighbors[0].FingerprintHash != "hash-a" {
		t.Fatalf("expected hash-a as neighbor, got %+v", rec.Neighbors)
	}
	if rec.ClusterID == "" {
		t.Error("expected a cluster to be assigned")
	}
}

func TestObserveFiltersBelowThreshold(t *testing.T) {
	idx := New(Config{Bands: 32, Rows: 4, TopN: 10, Threshold: 0.70})
	now := time.Now()

	idx.Observe("hash-a", sigFull(1), now)
	// hash-c differs in 80 of 128 positions -> well below threshold
	rec, err := idx.Observe("hash-c", sigPartial(1, 80), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Neighbors) != 0 {
		t.Errorf("expected no neighbors below threshold, got %+v", rec.Neighbors)
	}
}

func TestFindClusterReturnsMembers(t *testing.T) {
	idx := New(Config{Bands: 32, Rows: 4, TopN: 10, Threshold: 0.70})
	now := time.Now()
	idx.Observe("hash-a", sigFull(1), now)
	idx.Observe("hash-b", sigPartial(1, 3), now)

	members, ok := idx.FindCluster("hash-a")
	if !ok {
		t.Fatal("expected hash-a to be clustered")
	}
	if len(members) == 0 {
		t.Error("expected non-empty cluster membership")
	}
}

func TestObserveRejectsEmptyHash(t *testing.T) {
	idx := New(Config{})
	if _, err := idx.Observe("", sigFull(1), time.Now()); err == nil {
		t.Error("expected error for empty fingerprint hash")
	}
}

func TestNewAdjustsInvalidBandsRows(t *testing.T) {
	idx := New(Config{Bands: 7, Rows: 7}) // 49 != 128, should fall back
	if idx.cfg.Bands*idx.cfg.Rows != signatureLen {
		t.Errorf("expected bands*rows == %d, got %d*%d", signatureLen, idx.cfg.Bands, idx.cfg.Rows)
	}
}
