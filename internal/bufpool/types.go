// Package bufpool provides the pooled packet buffers and the small value
// types (addresses, transport tags, flow keys) that every other package in
// this module builds on.
package bufpool

import (
	"fmt"
	"net/netip"
)

// Transport identifies the L4 protocol of a flow or packet.
type Transport uint8

const (
	TransportTCP Transport = 6
	TransportUDP Transport = 17
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// IPVersion is 4 or 6.
type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// IPAddr is a comparable value type wrapping either a v4 or v6 address.
// It wraps netip.Addr, which is already comparable and allocation-free,
// and additionally exposes the Version spec.md's FlowKey needs explicitly.
type IPAddr struct {
	addr netip.Addr
}

// AddrFromNetip builds an IPAddr from a netip.Addr.
func AddrFromNetip(a netip.Addr) IPAddr {
	return IPAddr{addr: a.Unmap()}
}

// AddrFromBytes builds an IPAddr from 4 or 16 raw bytes. Returns the zero
// value and false on any other length.
func AddrFromBytes(b []byte) (IPAddr, bool) {
	switch len(b) {
	case 4:
		a, ok := netip.AddrFromSlice(b)
		return IPAddr{addr: a}, ok
	case 16:
		a, ok := netip.AddrFromSlice(b)
		return IPAddr{addr: a.Unmap()}, ok
	default:
		return IPAddr{}, false
	}
}

func (a IPAddr) Netip() netip.Addr { return a.addr }
func (a IPAddr) IsValid() bool     { return a.addr.IsValid() }

func (a IPAddr) Version() IPVersion {
	if a.addr.Is4() {
		return IPv4
	}
	return IPv6
}

func (a IPAddr) String() string { return a.addr.String() }

// FlowKey is the 6-field tuple identifying a flow, per spec.md §3. It is
// comparable and intended for direct use as a map key.
type FlowKey struct {
	Version   IPVersion
	Transport Transport
	SrcIP     IPAddr
	DstIP     IPAddr
	SrcPort   uint16
	DstPort   uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.Transport)
}

// Reverse returns the key as seen from the other side of the flow.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		Version:   k.Version,
		Transport: k.Transport,
		SrcIP:     k.DstIP,
		DstIP:     k.SrcIP,
		SrcPort:   k.DstPort,
		DstPort:   k.SrcPort,
	}
}
