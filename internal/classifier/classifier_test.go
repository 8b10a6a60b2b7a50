package classifier

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/bufpool"
)

func addr(s string) bufpool.IPAddr {
	return bufpool.AddrFromNetip(netip.MustParseAddr(s))
}

func TestObserveDNSThenClassify(t *testing.T) {
	c := New([]Signature{{Label: "search", Domains: []string{"example.com"}}}, 0)
	now := time.Now()

	c.ObserveDNS(addr("93.184.216.34"), "www.example.com", now)

	cls, ok := c.Classify(addr("93.184.216.34"), now)
	require.True(t, ok)
	require.Equal(t, "search", cls.Label)
	require.Equal(t, "example.com", cls.Domain)
	require.InDelta(t, 0.6, cls.Confidence, 0.001)
}

func TestTLSDominatesDNS(t *testing.T) {
	c := New(nil, 0)
	now := time.Now()
	ip := addr("93.184.216.34")

	c.ObserveDNS(ip, "dns-name.example.com", now)
	c.ObserveTLS(ip, "tls-name.example.com", now.Add(time.Second))

	cls, ok := c.Classify(ip, now.Add(2*time.Second))
	require.True(t, ok)
	require.Equal(t, "example.com", cls.Domain)
	require.InDelta(t, 0.85, cls.Confidence, 0.001)

	// A later, weaker DNS observation must not downgrade the cached TLS
	// mapping or shorten its TTL.
	c.ObserveDNS(ip, "other.example.org", now.Add(3*time.Second))
	cls, ok = c.Classify(ip, now.Add(4*time.Second))
	require.True(t, ok)
	require.Equal(t, "example.com", cls.Domain)
	require.Greater(t, cls.Confidence, 0.6)

	// The entry must still be alive past the DNS TTL (180s) but within the
	// TLS TTL (600s).
	_, ok = c.Classify(ip, now.Add(400*time.Second))
	require.True(t, ok)
	_, ok = c.Classify(ip, now.Add(700*time.Second))
	require.False(t, ok)
}

func TestDNSEntryExpiresAfterDNSTTL(t *testing.T) {
	c := New(nil, 0)
	now := time.Now()
	ip := addr("198.51.100.7")

	c.ObserveDNS(ip, "short.example.com", now)
	_, ok := c.Classify(ip, now.Add(100*time.Second))
	require.True(t, ok)
	_, ok = c.Classify(ip, now.Add(200*time.Second))
	require.False(t, ok)
}

func TestCDNInference(t *testing.T) {
	c := New(nil, 0)
	now := time.Now()
	ip := addr("203.0.113.10")

	c.ObserveTLS(ip, "images.example.cloudfront.net", now)
	cls, ok := c.Classify(ip, now)
	require.True(t, ok)
	require.Equal(t, "CloudFront", cls.CDN)
	require.Equal(t, "AS16509", cls.ASN)
	require.Contains(t, cls.Reasons, "cdn_suffix_match")
}

func TestSignatureMatching(t *testing.T) {
	sig := Signature{Label: "video", Domains: []string{"youtube.com", "*.googlevideo.com"}}

	require.True(t, matchesSignature("youtube.com", sig))
	require.True(t, matchesSignature("m.youtube.com", sig))
	require.True(t, matchesSignature("r3.googlevideo.com", sig))
	require.False(t, matchesSignature("notyoutube.com", sig))
	require.False(t, matchesSignature("youtube.company", sig))
}

func TestCacheBoundedWithRecentEntriesSurviving(t *testing.T) {
	const maxEntries = 8
	c := New(nil, maxEntries)
	now := time.Now()

	for i := 0; i < maxEntries+5; i++ {
		ip := addr(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}).String())
		c.ObserveDNS(ip, "host.example.com", now.Add(time.Duration(i)*time.Millisecond))
	}

	c.mu.Lock()
	size := len(c.cache)
	c.mu.Unlock()
	require.LessOrEqual(t, size, maxEntries)

	// The most recently touched entries are still present.
	for i := maxEntries + 5 - 3; i < maxEntries+5; i++ {
		ip := addr(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}).String())
		_, ok := c.Classify(ip, now.Add(time.Second))
		require.True(t, ok, "entry %d evicted", i)
	}
}
