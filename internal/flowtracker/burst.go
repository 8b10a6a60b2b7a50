package flowtracker

import (
	"container/heap"
	"sync"
	"time"
)

const defaultMaxBursts = 1024

// burstKey identifies one burst on one flow.
type burstKey struct {
	flowID  uint64
	burstID uint64
}

// BurstMetrics aggregates the packets and bytes observed within one burst.
type BurstMetrics struct {
	PacketCount int
	ByteCount   int
	FirstSeen   time.Time
	LastSeen    time.Time
}

type burstEntry struct {
	key      burstKey
	metrics  BurstMetrics
	revision uint64
}

type burstHeapItem struct {
	key      burstKey
	lastSeen time.Time
	revision uint64
}

type burstHeap []*burstHeapItem

func (h burstHeap) Len() int            { return len(h) }
func (h burstHeap) Less(i, j int) bool  { return h[i].lastSeen.Before(h[j].lastSeen) }
func (h burstHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *burstHeap) Push(x interface{}) { *h = append(*h, x.(*burstHeapItem)) }
func (h *burstHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// BurstTracker aggregates per-burst packet/byte totals, bounded by a
// heap-backed LRU: past maxBursts live bursts, the one with the oldest
// last-seen timestamp is evicted first, and entries idle past ttl are
// dropped lazily on each Record. Stale heap items left behind by later
// touches are reconciled with the same revision-counter scheme the flow
// tracker's own heap uses.
type BurstTracker struct {
	mu        sync.Mutex
	ttl       time.Duration
	maxBursts int
	entries   map[burstKey]*burstEntry
	heap      burstHeap
}

// NewBurstTracker creates a BurstTracker. ttl defaults to the flow TTL and
// maxBursts to 1024 when zero.
func NewBurstTracker(ttl time.Duration, maxBursts int) *BurstTracker {
	if ttl <= 0 {
		ttl = defaultFlowTTL
	}
	if maxBursts <= 0 {
		maxBursts = defaultMaxBursts
	}
	return &BurstTracker{
		ttl:       ttl,
		maxBursts: maxBursts,
		entries:   make(map[burstKey]*burstEntry),
	}
}

// Record folds one packet observation into the burst's running totals and
// returns the updated metrics for that burst.
func (t *BurstTracker) Record(flowID, burstID uint64, now time.Time, byteCount int) BurstMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(now)

	key := burstKey{flowID: flowID, burstID: burstID}
	e, ok := t.entries[key]
	if !ok {
		e = &burstEntry{key: key, metrics: BurstMetrics{FirstSeen: now}}
		t.entries[key] = e
		t.evictOverflowLocked()
	}
	e.metrics.PacketCount++
	e.metrics.ByteCount += byteCount
	e.metrics.LastSeen = now
	e.revision++
	heap.Push(&t.heap, &burstHeapItem{key: key, lastSeen: now, revision: e.revision})
	return e.metrics
}

// Metrics returns the current totals for one burst, if still tracked.
func (t *BurstTracker) Metrics(flowID, burstID uint64) (BurstMetrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[burstKey{flowID: flowID, burstID: burstID}]
	if !ok {
		return BurstMetrics{}, false
	}
	return e.metrics, true
}

// Len returns the number of live bursts.
func (t *BurstTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *BurstTracker) expireLocked(now time.Time) {
	for t.heap.Len() > 0 {
		top := t.heap[0]
		if now.Sub(top.lastSeen) <= t.ttl {
			break
		}
		heap.Pop(&t.heap)
		if e, ok := t.entries[top.key]; ok && e.revision == top.revision {
			delete(t.entries, top.key)
		}
	}
}

func (t *BurstTracker) evictOverflowLocked() {
	for len(t.entries) > t.maxBursts {
		found := false
		for t.heap.Len() > 0 {
			top := heap.Pop(&t.heap).(*burstHeapItem)
			if e, ok := t.entries[top.key]; ok && e.revision == top.revision {
				delete(t.entries, top.key)
				found = true
				break
			}
		}
		if !found {
			return
		}
	}
}
