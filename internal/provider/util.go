package provider

import (
	"net/netip"

	"tunnelengine/internal/bufpool"
)

// ipFromString parses a dotted-quad or colon-hex literal into a
// bufpool.IPAddr, for reverse-mapping a dial target back to a hostname
// through the forward-host tracker.
func ipFromString(s string) (bufpool.IPAddr, bool) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return bufpool.IPAddr{}, false
	}
	return bufpool.AddrFromNetip(a), true
}
