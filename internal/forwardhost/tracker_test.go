package forwardhost

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

func TestRecordAndLookup(t *testing.T) {
	tr := New(0, 0)
	tr.Record(addr("93.184.216.34"), "example.com")

	host, ok := tr.Lookup(addr("93.184.216.34"))
	require.True(t, ok)
	require.Equal(t, "example.com", host)
}

func TestLookupMissReturnsFalse(t *testing.T) {
	tr := New(0, 0)
	_, ok := tr.Lookup(addr("1.1.1.1"))
	require.False(t, ok)
}

func TestEntryExpires(t *testing.T) {
	tr := New(10, time.Millisecond)
	tr.Record(addr("1.1.1.1"), "cloudflare.com")
	time.Sleep(5 * time.Millisecond)
	_, ok := tr.Lookup(addr("1.1.1.1"))
	require.False(t, ok)
}

func TestLRUEvictsOldest(t *testing.T) {
	tr := New(2, time.Hour)
	tr.Record(addr("1.1.1.1"), "a")
	tr.Record(addr("2.2.2.2"), "b")
	tr.Record(addr("3.3.3.3"), "c") // evicts 1.1.1.1

	_, ok := tr.Lookup(addr("1.1.1.1"))
	require.False(t, ok)
	_, ok = tr.Lookup(addr("2.2.2.2"))
	require.True(t, ok)
	require.Equal(t, 2, tr.Len())
}
