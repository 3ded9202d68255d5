// Package buffer provides a bounded ring of recent broadcast messages.
//
// The fan-out server replays the ring to newly connected local clients
// so a fresh browser tab sees recent state changes without waiting for
// the next hub event.
package buffer

import "sync"

// EventRing is a thread-safe circular buffer holding the most recent
// messages up to a fixed capacity. When full, the oldest message is
// discarded.
type EventRing struct {
	mu       sync.RWMutex
	entries  [][]byte
	start    int
	count    int
	capacity int
}

// NewEventRing creates a ring with the given capacity. A capacity below
// 1 defaults to 1.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventRing{
		entries:  make([][]byte, capacity),
		capacity: capacity,
	}
}

// Append adds a message to the ring, evicting the oldest when full.
// The ring keeps its own copy of the data.
func (r *EventRing) Append(data []byte) {
	entry := make([]byte, len(data))
	copy(entry, data)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count < r.capacity {
		r.entries[(r.start+r.count)%r.capacity] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % r.capacity
}

// Snapshot returns the buffered messages oldest-first.
func (r *EventRing) Snapshot() [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([][]byte, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(r.start+i)%r.capacity])
	}
	return out
}

// Len returns the number of buffered messages.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Clear empties the ring.
func (r *EventRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make([][]byte, r.capacity)
	r.start = 0
	r.count = 0
}
