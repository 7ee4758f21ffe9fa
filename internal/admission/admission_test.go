package admission

import (
	"context"
	"testing"
	"time"

	"scrybe/internal/cache"
)

func TestCheckBodySize(t *testing.T) {
	c := New(Config{MaxBodyBytes: 1024}, cache.NewMemoryCache(time.Hour), nil)
	if err := c.CheckBodySize(512); err != nil {
		t.Errorf("expected admission, got %v", err)
	}
	err := c.CheckBodySize(2048)
	rej, ok := AsRejection(err)
	if !ok || rej.Reason != ReasonPayloadTooLarge {
		t.Errorf("expected payload_too_large rejection, got %v", err)
	}
}

func TestCheckRateIPBoundary(t *testing.T) {
	ctx := context.Background()
	c := New(Config{PerIPRate: 2, PerIPBurst: 1, Window: time.Minute}, cache.NewMemoryCache(time.Hour), nil)

	for i := 0; i < 3; i++ {
		if err := c.CheckRate(ctx, "hashed-ip", ""); err != nil {
			t.Fatalf("request %d should be admitted (within rate+burst), got %v", i, err)
		}
	}
	err := c.CheckRate(ctx, "hashed-ip", "")
	rej, ok := AsRejection(err)
	if !ok || rej.Reason != ReasonIPRateLimited {
		t.Errorf("4th request should be ip_rate_limited, got %v", err)
	}
}

func TestCheckRateSessionIndependentOfIP(t *testing.T) {
	ctx := context.Background()
	c := New(Config{PerIPRate: 1000, PerSessionRate: 1, Window: time.Minute}, cache.NewMemoryCache(time.Hour), nil)

	if err := c.CheckRate(ctx, "hashed-ip", "sess-1"); err != nil {
		t.Fatalf("first request for session should be admitted, got %v", err)
	}
	err := c.CheckRate(ctx, "hashed-ip", "sess-1")
	rej, ok := AsRejection(err)
	if !ok || rej.Reason != ReasonSessionRateLimited {
		t.Errorf("second request for same session should be session_rate_limited, got %v", err)
	}
}

type fakeQueue struct{ depth int }

func (f fakeQueue) QueueDepth() int { return f.depth }

func TestCheckBackpressure(t *testing.T) {
	c := New(Config{QueueCapacity: 10}, cache.NewMemoryCache(time.Hour), fakeQueue{depth: 10})
	err := c.CheckBackpressure()
	rej, ok := AsRejection(err)
	if !ok || rej.Reason != ReasonQueueFull {
		t.Errorf("expected queue_full rejection, got %v", err)
	}

	c2 := New(Config{QueueCapacity: 10}, cache.NewMemoryCache(time.Hour), fakeQueue{depth: 9})
	if err := c2.CheckBackpressure(); err != nil {
		t.Errorf("expected admission below capacity, got %v", err)
	}
}
