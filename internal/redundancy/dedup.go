// Package redundancy presents N independent reconnecting sessions as one
// reliable, deduplicated telegram stream with an aggregate health status.
package redundancy

import "sync"

// DefaultDedupCacheSize is the default deduplication window.
const DefaultDedupCacheSize = 1000

// Deduplicator is a bounded set of recently seen message IDs with FIFO
// eviction. It answers "have I seen this ID" and records it in one atomic
// step, so concurrent deliveries of the same telegram from different
// endpoints resolve to exactly one first-sighting.
type Deduplicator struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

// NewDeduplicator creates a deduplicator holding at most capacity IDs.
// Non-positive capacity falls back to DefaultDedupCacheSize.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = DefaultDedupCacheSize
	}
	return &Deduplicator{
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

// IsDuplicate reports whether id was already seen and records it if not.
// When recording would exceed capacity, the oldest recorded ID is evicted
// first, so an evicted ID can later re-appear as new; the window is bounded
// memory, not bounded correctness.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Len returns the number of IDs currently resident.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Clear resets the window to empty.
func (d *Deduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{}, d.capacity)
	d.order = d.order[:0]
}
