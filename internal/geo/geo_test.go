package geo

import (
	"testing"
	"time"

	"scrybe/internal/model"
)

func TestTableLookupHitAndMiss(t *testing.T) {
	table := NewTable()
	if err := table.Load(map[string]model.GeoEnrichment{
		"203.0.113.0/24": {Country: "US", ASN: 64512, ASNOrg: "Example Net"},
	}); err != nil {
		t.Fatal(err)
	}

	resolver, err := NewResolver(table, 16, 3, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	geo, err := resolver.Lookup("203.0.113.42")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if geo.Country != "US" || geo.ASN != 64512 {
		t.Errorf("got %+v, want US/64512", geo)
	}

	miss, err := resolver.Lookup("198.51.100.1")
	if err != nil {
		t.Fatalf("Lookup miss should not error: %v", err)
	}
	if !miss.IsUnknown() {
		t.Errorf("expected unknown geo on miss, got %+v", miss)
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	b := NewCircuitBreaker(3, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("breaker should allow call %d while closed", i)
		}
		b.RecordFailure()
	}
	if b.State() != "open" {
		t.Fatalf("breaker should be open after threshold failures, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("breaker should fail-fast while open")
	}

	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("breaker should allow a probe once reset timeout elapses")
	}
	if b.State() != "half_open" {
		t.Fatalf("expected half_open after probe allowed, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != "closed" {
		t.Fatalf("successful probe should close breaker, got %s", b.State())
	}
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.Allow()
	b.RecordFailure() // opens
	time.Sleep(15 * time.Millisecond)
	b.Allow() // transitions to half-open
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatalf("failed probe should reopen breaker, got %s", b.State())
	}
}

func TestResolverFailFastOnOpenCircuit(t *testing.T) {
	table := NewTable()
	resolver, err := NewResolver(table, 4, 1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	resolver.Breaker().RecordFailure() // closed -> open (threshold 1)

	geo, err := resolver.Lookup("203.0.113.1")
	if err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if !geo.IsUnknown() {
		t.Errorf("expected unknown geo on open circuit, got %+v", geo)
	}
}
