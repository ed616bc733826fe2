// Package alarm implements the persistent single-slot wake-up timer owned by
// each tenant actor.
//
// Core design:
//   - One pending wake time per tenant ("single slot, not a queue").
//   - Slots are persisted to bbolt BEFORE the in-memory heap is touched, so
//     an armed alarm survives a process restart.
//   - A Min-Heap keyed on wake time lets the delivery goroutine sleep until
//     exactly the soonest slot: peek is O(1), arm/disarm O(log N).
//
// Firing is at-least-once: the persisted slot is only replaced or cleared by
// the actor's own re-arm during processing, so a crash between fire and
// re-arm simply fires again after restart. The actor's processing is
// idempotent, which is what makes this contract sufficient.
package alarm

import "container/heap"

// slot is one entry in the alarm Min-Heap.
type slot struct {
	tenantID string
	at       int64 // UTC milliseconds, sort key

	// heapIdx is the slot's current position in the heap slice.
	// Maintained by minHeap.Swap so we can do O(log N) removal.
	heapIdx int

	// cancelled marks a slot for lazy deletion: a replaced or cleared slot
	// is discarded by the goroutine instead of fired.
	cancelled bool
}

// minHeap is a slice of *slot that satisfies heap.Interface.
// The smallest wake time sits at index 0 (Min-Heap).
type minHeap []*slot

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].at < h[j].at
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	s := x.(*slot)
	s.heapIdx = n
	*h = append(*h, s)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil  // allow GC
	s.heapIdx = -1  // mark as not in heap
	*h = old[:n-1]
	return s
}

// remove removes the slot at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *slot {
	return heap.Remove(h, idx).(*slot)
}
