package cache

import (
	"context"
	"testing"
	"time"
)

func TestValidFingerprintHash(t *testing.T) {
	good := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	if !ValidFingerprintHash(good) {
		t.Fatalf("expected %q to be valid", good)
	}
	for _, bad := range []string{"", "short", good[:63], good + "A", "A" + good[1:]} {
		if ValidFingerprintHash(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}

func TestMemoryCacheSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)

	fp := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"
	meta := SessionMeta{FingerprintHash: fp, HashedIP: "hashed-ip-1", FirstSeen: time.Now(), LastSeen: time.Now()}

	if err := c.StoreSession(ctx, "sess-1", meta); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}

	got, err := c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.FingerprintHash != fp {
		t.Errorf("fingerprint hash mismatch: got %q", got.FingerprintHash)
	}

	if err := c.UpdateSession(ctx, "sess-1", 0.42); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, _ = c.GetSession(ctx, "sess-1")
	if got.RequestCount != 1 {
		t.Errorf("request count = %d, want 1", got.RequestCount)
	}
	if got.LastBotProbability != 0.42 {
		t.Errorf("last bot probability = %v, want 0.42", got.LastBotProbability)
	}

	if _, err := c.GetSession(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryCacheCorrelation(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)
	fp := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

	if err := c.StoreSession(ctx, "sess-1", SessionMeta{FingerprintHash: fp, HashedIP: "ip-a"}); err != nil {
		t.Fatal(err)
	}

	// Same fingerprint + same hashed IP -> continuation of sess-1.
	id, ok, err := c.Correlate(ctx, fp, "ip-a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || id != "sess-1" {
		t.Errorf("Correlate(same fp, same ip) = (%q, %v), want (sess-1, true)", id, ok)
	}

	// Same fingerprint, different hashed IP -> no merge.
	_, ok, err = c.Correlate(ctx, fp, "ip-b")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Errorf("Correlate(same fp, different ip) should not match, got ok=true")
	}
}

func TestMemoryCacheNonceAtomicity(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)

	const n = 50
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			ok, err := c.InsertNonceIfAbsent(ctx, "shared-nonce", 5*time.Minute)
			if err != nil {
				t.Error(err)
			}
			results <- ok
		}()
	}

	accepted := 0
	for i := 0; i < n; i++ {
		if <-results {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("exactly one concurrent insert should succeed, got %d", accepted)
	}

	contains, err := c.ContainsNonce(ctx, "shared-nonce")
	if err != nil || !contains {
		t.Errorf("ContainsNonce = (%v, %v), want (true, nil)", contains, err)
	}
}

func TestMemoryCacheRateLimitBoundary(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)

	const limit = 5
	var last int64
	for i := 0; i < limit; i++ {
		n, err := c.IncrRate(ctx, "ip:1.2.3.4", time.Second)
		if err != nil {
			t.Fatal(err)
		}
		last = n
	}
	if last != limit {
		t.Errorf("count after %d increments = %d, want %d", limit, last, limit)
	}

	n, err := c.IncrRate(ctx, "ip:1.2.3.4", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != limit+1 {
		t.Errorf("count after limit+1 increments = %d, want %d", n, limit+1)
	}
}

func TestMemoryCacheAnomalyFeedBounded(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Hour)

	for i := 0; i < MaxAnomalyFeedLen+10; i++ {
		if err := c.PublishAnomaly(ctx, "sess", "headless_ua", "critical", time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := c.RecentAnomalies(ctx, "critical", MaxAnomalyFeedLen+10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxAnomalyFeedLen {
		t.Errorf("feed length = %d, want %d", len(entries), MaxAnomalyFeedLen)
	}
}
