// Package forwardhost maps a remote IP to the most recently observed host
// name for it, bounded by an LRU eviction policy and a per-entry TTL, using
// a container/list+map LRU (the classifier's cache uses two heaps instead).
package forwardhost

import (
	"container/list"
	"sync"
	"time"

	"tunnelengine/internal/bufpool"
)

const (
	defaultCapacity = 4096
	defaultTTL      = 10 * time.Minute
)

type entry struct {
	ip      bufpool.IPAddr
	host    string
	expires time.Time
}

// Tracker is a bounded LRU keyed by remote IP.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	index    map[bufpool.IPAddr]*list.Element
}

// New creates a Tracker. capacity and ttl default to 4096 entries / 10
// minutes when zero.
func New(capacity int, ttl time.Duration) *Tracker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Tracker{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    make(map[bufpool.IPAddr]*list.Element),
	}
}

// Record associates host with ip, refreshing its TTL and LRU position.
func (t *Tracker) Record(ip bufpool.IPAddr, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if el, ok := t.index[ip]; ok {
		e := el.Value.(*entry)
		e.host = host
		e.expires = now.Add(t.ttl)
		t.order.MoveToFront(el)
		return
	}

	e := &entry{ip: ip, host: host, expires: now.Add(t.ttl)}
	el := t.order.PushFront(e)
	t.index[ip] = el

	for t.order.Len() > t.capacity {
		oldest := t.order.Back()
		if oldest == nil {
			break
		}
		t.order.Remove(oldest)
		delete(t.index, oldest.Value.(*entry).ip)
	}
}

// Lookup returns the most recently recorded host for ip, or ("", false) if
// absent or expired.
func (t *Tracker) Lookup(ip bufpool.IPAddr) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.index[ip]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expires) {
		t.order.Remove(el)
		delete(t.index, ip)
		return "", false
	}
	t.order.MoveToFront(el)
	return e.host, true
}

// Len returns the current number of live entries, including ones that have
// not yet been lazily expired by a Lookup.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Entry is a point-in-time copy of one tracked IP->host mapping, for
// surfacing through the provider control channel's dnsHistory operation.
type Entry struct {
	IP   string
	Host string
}

// Entries returns every live mapping, most-recently-touched first. Expired
// entries are skipped but not removed (that only happens lazily on Lookup
// or on the next eviction past capacity).
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]Entry, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if now.After(e.expires) {
			continue
		}
		out = append(out, Entry{IP: e.ip.String(), Host: e.host})
	}
	return out
}
