// Package flowtracker assigns stable 64-bit flow IDs and detects traffic
// bursts by inter-arrival gap, evicting stale entries through a min-heap
// keyed by last-seen with lazy deletion reconciled by a revision counter.
package flowtracker

import (
	"container/heap"
	"hash/fnv"
	"sync"
	"time"

	"tunnelengine/internal/bufpool"
)

const (
	defaultFlowTTL  = 300 * time.Second
	defaultBurstGap = 350 * time.Millisecond
)

type flowEntry struct {
	key        bufpool.FlowKey
	generation uint32
	lastSeen   time.Time
	revision   uint64

	burstID  uint64
	burstSeq uint64
}

// heapItem is a lightweight handle into the min-heap, reconciled against
// the authoritative flowEntry via the revision counter so stale heap
// entries (superseded by a later touch) are discarded lazily on pop
// instead of requiring an index-based fix-up.
type heapItem struct {
	key      bufpool.FlowKey
	lastSeen time.Time
	revision uint64
}

type minHeap []*heapItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].lastSeen.Before(h[j].lastSeen) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Tracker assigns flow IDs and burst IDs and evicts idle flows past ttl.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	burstGap time.Duration
	entries  map[bufpool.FlowKey]*flowEntry
	heap     minHeap
}

// New creates a Tracker. ttl and burstGap default to spec.md's 300s/350ms
// when zero.
func New(ttl, burstGap time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultFlowTTL
	}
	if burstGap <= 0 {
		burstGap = defaultBurstGap
	}
	return &Tracker{
		ttl:      ttl,
		burstGap: burstGap,
		entries:  make(map[bufpool.FlowKey]*flowEntry),
	}
}

// FlowID returns the stable 64-bit ID for key, and the burst ID that
// increments whenever the gap since the previous packet on this flow
// exceeds the tracker's burst gap.
func (t *Tracker) FlowID(key bufpool.FlowKey, now time.Time) (flowID uint64, burstID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || now.Sub(e.lastSeen) > t.ttl {
		generation := uint32(0)
		if ok {
			generation = e.generation + 1
		}
		e = &flowEntry{key: key, generation: generation, lastSeen: now}
		t.entries[key] = e
	} else if now.Sub(e.lastSeen) > t.burstGap {
		e.burstSeq++
	}
	e.lastSeen = now
	e.revision++
	e.burstID = e.burstSeq

	heap.Push(&t.heap, &heapItem{key: key, lastSeen: now, revision: e.revision})

	return fnvFlowID(key) ^ uint64(e.generation), e.burstID
}

// EvictStale pops entries from the min-heap whose lastSeen is older than
// now-ttl, discarding any that are stale relative to the authoritative
// entry's revision counter (superseded by a later touch).
func (t *Tracker) EvictStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for t.heap.Len() > 0 {
		top := t.heap[0]
		if now.Sub(top.lastSeen) <= t.ttl {
			break
		}
		heap.Pop(&t.heap)

		e, ok := t.entries[top.key]
		if !ok || e.revision != top.revision {
			continue // stale heap entry, superseded by a later touch
		}
		delete(t.entries, top.key)
		evicted++
	}
	return evicted
}

// Len returns the number of live flow entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func fnvFlowID(key bufpool.FlowKey) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key.String()))
	return h.Sum64()
}
