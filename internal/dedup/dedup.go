// Package dedup suppresses duplicate delivery of event ids.
//
// Platforms redeliver messages we have already seen: a history backfill
// overlaps the live tail, or live frames arrive before the backfill
// finishes. Each room keeps one bounded SeenSet to filter the overlap.
package dedup

import "sync"

// DefaultCapacity is the per-room id budget before eviction kicks in.
const DefaultCapacity = 5000

// A tenth of the capacity is dropped together when the set is full, so
// overflow costs one slice shift per chunk rather than per insert.

// SeenSet is a bounded, insertion-ordered set of event ids. When capacity
// is reached the oldest chunk of ids is evicted in bulk.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	order    []string
	ids      map[string]struct{}
}

// NewSeenSet returns a set bounded to capacity ids. capacity <= 0 uses
// DefaultCapacity.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SeenSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		ids:      make(map[string]struct{}, capacity),
	}
}

// Observe records id and reports whether it was already present. The
// first call for a given id returns false; subsequent calls return true
// until the id is evicted.
func (s *SeenSet) Observe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return true
	}

	if len(s.order) >= s.capacity {
		n := s.capacity / 10
		if n < 1 {
			n = 1
		}
		for _, old := range s.order[:n] {
			delete(s.ids, old)
		}
		s.order = s.order[n:]
	}

	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return false
}

// Len returns the number of ids currently tracked.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
