package dedup

import (
	"fmt"
	"testing"
)

func TestObserveIdempotent(t *testing.T) {
	s := NewSeenSet(0)

	if s.Observe("msg-1") {
		t.Error("first observation of msg-1 should not be a duplicate")
	}
	if !s.Observe("msg-1") {
		t.Error("second observation of msg-1 should be a duplicate")
	}
	if !s.Observe("msg-1") {
		t.Error("third observation of msg-1 should still be a duplicate")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 tracked id, got %d", s.Len())
	}
}

func TestBulkEvictionOnOverflow(t *testing.T) {
	s := NewSeenSet(10)

	for i := 0; i < 10; i++ {
		s.Observe(fmt.Sprintf("id-%d", i))
	}
	if s.Len() != 10 {
		t.Fatalf("expected set at capacity 10, got %d", s.Len())
	}

	// Next insert triggers a bulk evict of the oldest chunk.
	s.Observe("id-10")
	if s.Len() > 10 {
		t.Errorf("set grew past capacity: %d", s.Len())
	}

	// The oldest id is gone, so it reads as unseen again.
	if s.Observe("id-0") {
		t.Error("id-0 should have been evicted and read as new")
	}
	// The newest survives eviction.
	if !s.Observe("id-10") {
		t.Error("id-10 should still be tracked")
	}
}

func TestDistinctIdsIndependent(t *testing.T) {
	s := NewSeenSet(0)
	s.Observe("a")
	if s.Observe("b") {
		t.Error("b was never observed before")
	}
	if !s.Observe("a") {
		t.Error("a should still be tracked")
	}
}
