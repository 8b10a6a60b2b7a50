// Package classifier turns parser observations (DNS answers, TLS SNI, QUIC
// SNI) into a TrafficClassification, blending signature-list domain
// matching, a CDN suffix table, and a confidence-weighted per-IP cache with
// two-heap (last-seen / expiry) eviction. The forward-host tracker's
// bounded cache uses a container/list LRU instead.
package classifier

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"tunnelengine/internal/bufpool"
)

const (
	dnsConfidenceBase    = 0.6
	dnsTTL               = 180 * time.Second
	tlsConfidenceBase    = 0.85
	tlsTTL               = 600 * time.Second
	cachedConfidenceScale = 0.8

	defaultCacheCapacity = 8192
)

// Signature is one entry in the domain signature list.
type Signature struct {
	Label   string
	Domains []string
}

// Classification is the per-packet output, optional when nothing matched.
type Classification struct {
	Label      string
	Domain     string
	CDN        string
	ASN        string
	Confidence float64
	Reasons    []string
}

type cdnRule struct {
	suffix   string
	provider string
	asn      string
}

var cdnTable = []cdnRule{
	{".akamaiedge.net", "Akamai", "AS20940"},
	{".akamai.net", "Akamai", "AS20940"},
	{".cloudflare.net", "Cloudflare", "AS13335"},
	{".cloudflare.com", "Cloudflare", "AS13335"},
	{".fastly.net", "Fastly", "AS54113"},
	{".cloudfront.net", "CloudFront", "AS16509"},
	{".googleusercontent.com", "Google", "AS15169"},
	{".1e100.net", "Google", "AS15169"},
	{".fbcdn.net", "Meta", "AS32934"},
	{".facebook.com", "Meta", "AS32934"},
	{".apple.com", "Apple", "AS714"},
	{".icloud.com", "Apple", "AS714"},
}

// cdnFor returns (provider, asn, true) when host's registrable/full form
// ends with a known CDN suffix.
func cdnFor(host string) (string, string, bool) {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, r := range cdnTable {
		if strings.HasSuffix(h, r.suffix) {
			return r.provider, r.asn, true
		}
	}
	return "", "", false
}

// matchesSignature reports whether candidate (a registrable domain) matches
// one entry in sig.Domains: equality, suffix with a leading dot, or a
// per-label `*`-wildcard.
func matchesSignature(candidate string, sig Signature) bool {
	candidate = strings.ToLower(candidate)
	for _, d := range sig.Domains {
		d = strings.ToLower(d)
		switch {
		case d == candidate:
			return true
		case strings.HasSuffix(candidate, "."+d):
			return true
		case strings.Contains(d, "*"):
			if wildcardMatch(d, candidate) {
				return true
			}
		}
	}
	return false
}

func wildcardMatch(pattern, candidate string) bool {
	pLabels := strings.Split(pattern, ".")
	cLabels := strings.Split(candidate, ".")
	if len(pLabels) != len(cLabels) {
		return false
	}
	for i, pl := range pLabels {
		if pl == "*" {
			continue
		}
		if pl != cLabels[i] {
			return false
		}
	}
	return true
}

type cacheEntry struct {
	ip         bufpool.IPAddr
	host       string
	confidence float64
	label      string
	expires    time.Time
	lastSeen   time.Time
	revision   uint64
}

// heapItem lets the two heaps reference a shared entry without duplicating
// mutable state; staleness is reconciled against entry.revision.
type heapItem struct {
	ip       bufpool.IPAddr
	ts       time.Time
	revision uint64
}

type lastSeenHeap []*heapItem

func (h lastSeenHeap) Len() int            { return len(h) }
func (h lastSeenHeap) Less(i, j int) bool  { return h[i].ts.Before(h[j].ts) }
func (h lastSeenHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *lastSeenHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *lastSeenHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type expiryHeap struct{ lastSeenHeap }

// Classifier blends observations into TrafficClassification output.
type Classifier struct {
	mu         sync.Mutex
	signatures []Signature
	capacity   int
	cache      map[bufpool.IPAddr]*cacheEntry
	lastSeenH  lastSeenHeap
	expiryH    expiryHeap
}

// New creates a Classifier over the given signature list.
func New(signatures []Signature, capacity int) *Classifier {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &Classifier{
		signatures: signatures,
		capacity:   capacity,
		cache:      make(map[bufpool.IPAddr]*cacheEntry),
	}
}

// ObserveDNS records a DNS answer mapping host to a resolved address.
func (c *Classifier) ObserveDNS(ip bufpool.IPAddr, host string, now time.Time) {
	c.observe(ip, host, dnsConfidenceBase, dnsTTL, now)
}

// ObserveTLS records a TLS (or QUIC-derived) SNI paired with the remote IP.
func (c *Classifier) ObserveTLS(ip bufpool.IPAddr, host string, now time.Time) {
	c.observe(ip, host, tlsConfidenceBase, tlsTTL, now)
}

func (c *Classifier) observe(ip bufpool.IPAddr, host string, confidence float64, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(now)

	e, ok := c.cache[ip]
	if !ok {
		e = &cacheEntry{ip: ip}
		c.cache[ip] = e
		c.ensureCapacityLocked()
	}
	if carried := e.confidence * cachedConfidenceScale; ok && carried > confidence {
		// A prior higher-confidence mapping (TLS over DNS) dominates the
		// weaker incoming observation: keep its host and expiry, carry its
		// confidence at the cached-contribution scale.
		e.confidence = carried
		e.lastSeen = now
		e.revision++
		heap.Push(&c.lastSeenH, &heapItem{ip: ip, ts: e.lastSeen, revision: e.revision})
		heap.Push(&c.expiryH, &heapItem{ip: ip, ts: e.expires, revision: e.revision})
		return
	}
	e.host = host
	e.label = c.labelFor(host)
	e.confidence = confidence
	e.expires = now.Add(ttl)
	e.lastSeen = now
	e.revision++

	heap.Push(&c.lastSeenH, &heapItem{ip: ip, ts: e.lastSeen, revision: e.revision})
	heap.Push(&c.expiryH, &heapItem{ip: ip, ts: e.expires, revision: e.revision})
}

func (c *Classifier) labelFor(host string) string {
	reg := registrable(host)
	for _, sig := range c.signatures {
		if matchesSignature(reg, sig) {
			return sig.Label
		}
	}
	return ""
}

// Classify produces a Classification for the remote IP, consulting the
// cache built by ObserveDNS/ObserveTLS. Returns (nil, false) when nothing
// is known.
func (c *Classifier) Classify(ip bufpool.IPAddr, now time.Time) (*Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(now)

	e, ok := c.cache[ip]
	if !ok {
		return nil, false
	}

	reasons := []string{"cached_observation"}
	result := &Classification{
		Label:      e.label,
		Domain:     registrable(e.host),
		Confidence: e.confidence,
		Reasons:    reasons,
	}
	if provider, asn, ok := cdnFor(e.host); ok {
		result.CDN = provider
		result.ASN = asn
		result.Reasons = append(result.Reasons, "cdn_suffix_match")
	}
	if result.Label != "" {
		result.Reasons = append(result.Reasons, "signature_match")
	}
	return result, true
}

func (c *Classifier) evictExpiredLocked(now time.Time) {
	for c.expiryH.Len() > 0 {
		top := c.expiryH.lastSeenHeap[0]
		if top.ts.After(now) {
			break
		}
		heap.Pop(&c.expiryH)
		if e, ok := c.cache[top.ip]; ok && e.revision == top.revision {
			delete(c.cache, top.ip)
		}
	}
}

func (c *Classifier) ensureCapacityLocked() {
	for len(c.cache) > c.capacity {
		var oldest *heapItem
		for c.lastSeenH.Len() > 0 {
			top := c.lastSeenH[0]
			heap.Pop(&c.lastSeenH)
			if e, ok := c.cache[top.ip]; ok && e.revision == top.revision {
				oldest = top
				break
			}
		}
		if oldest == nil {
			return
		}
		delete(c.cache, oldest.ip)
	}
}

// registrable strips to the last two (or known two-part-TLD three) labels.
// Mirrors the packet package's registrable-domain rule so classification
// operates on the same notion of "domain" the parser reports.
func registrable(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	last2 := labels[len(labels)-2] + "." + labels[len(labels)-1]
	if twoPartTLDs[last2] && len(labels) >= 3 {
		return labels[len(labels)-3] + "." + last2
	}
	return last2
}

var twoPartTLDs = map[string]bool{
	"co.uk": true, "org.uk": true, "ac.uk": true, "gov.uk": true,
	"com.au": true, "net.au": true, "org.au": true,
	"co.jp": true, "co.nz": true, "co.in": true, "co.kr": true,
	"com.br": true, "com.cn": true,
}
