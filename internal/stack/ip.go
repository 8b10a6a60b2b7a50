package stack

import "tunnelengine/internal/bufpool"

// ipHeader is the minimal IPv4/IPv6 envelope the stack needs to build or
// parse a TCP/UDP segment: which header to emit, and where the L4 payload
// starts. Unlike internal/packet (a pure sniffing parser), this package
// also needs to construct outbound frames, so it keeps its own compact
// IP-layer reader/writer.
type ipHeader struct {
	version  bufpool.IPVersion
	protocol byte
	srcIP    bufpool.IPAddr
	dstIP    bufpool.IPAddr
	l4Offset int
	l4Length int
}

func parseIPHeader(b []byte) (*ipHeader, bool) {
	if len(b) < 1 {
		return nil, false
	}
	switch b[0] >> 4 {
	case 4:
		return parseIPv4Header(b)
	case 6:
		return parseIPv6Header(b)
	default:
		return nil, false
	}
}

func parseIPv4Header(b []byte) (*ipHeader, bool) {
	if len(b) < 20 {
		return nil, false
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || ihl > len(b) {
		return nil, false
	}
	totalLen := int(b[2])<<8 | int(b[3])
	if totalLen == 0 || totalLen > len(b) {
		totalLen = len(b)
	}
	src, ok1 := bufpool.AddrFromBytes(b[12:16])
	dst, ok2 := bufpool.AddrFromBytes(b[16:20])
	if !ok1 || !ok2 {
		return nil, false
	}
	return &ipHeader{
		version:  bufpool.IPv4,
		protocol: b[9],
		srcIP:    src,
		dstIP:    dst,
		l4Offset: ihl,
		l4Length: totalLen - ihl,
	}, true
}

var ipv6ExtHeaderTypes = map[byte]bool{0: true, 43: true, 44: true, 60: true}

func parseIPv6Header(b []byte) (*ipHeader, bool) {
	if len(b) < 40 {
		return nil, false
	}
	src, ok1 := bufpool.AddrFromBytes(b[8:24])
	dst, ok2 := bufpool.AddrFromBytes(b[24:40])
	if !ok1 || !ok2 {
		return nil, false
	}
	payloadLen := int(b[4])<<8 | int(b[5])
	next := b[6]
	offset := 40
	for i := 0; i < 8; i++ {
		if next == 50 { // ESP: stop, can't see past it
			return nil, false
		}
		if !ipv6ExtHeaderTypes[next] {
			break
		}
		if offset+2 > len(b) {
			return nil, false
		}
		next = b[offset]
		extLen := int(b[offset+1])*8 + 8
		offset += extLen
		if offset > len(b) {
			return nil, false
		}
	}
	end := offset + payloadLen
	if payloadLen == 0 || end > len(b) {
		end = len(b)
	}
	return &ipHeader{
		version:  bufpool.IPv6,
		protocol: next,
		srcIP:    src,
		dstIP:    dst,
		l4Offset: offset,
		l4Length: end - offset,
	}, true
}

// buildIPv4 writes a minimal 20-byte IPv4 header (no options) in front of
// l4 and returns the full frame. id is used as the identification field.
func buildIPv4(src, dst bufpool.IPAddr, protocol byte, id uint16, l4 []byte) []byte {
	return buildIPv4Into(make([]byte, 20+len(l4)), src, dst, protocol, id, l4)
}

// buildIPv4Into is buildIPv4 writing into a caller-supplied buffer of at
// least 20+len(l4) bytes, so the poll loop can emit frames from the packet
// pool instead of allocating per frame.
func buildIPv4Into(b []byte, src, dst bufpool.IPAddr, protocol byte, id uint16, l4 []byte) []byte {
	total := 20 + len(l4)
	b = b[:total]
	b[0] = 0x45
	b[1] = 0
	b[2] = byte(total >> 8)
	b[3] = byte(total)
	b[4] = byte(id >> 8)
	b[5] = byte(id)
	b[6] = 0x40 // don't fragment
	b[7] = 0
	b[8] = 64 // TTL
	b[9] = protocol
	b[10], b[11] = 0, 0 // checksum field must be zero while summing
	srcB := src.Netip().As4()
	dstB := dst.Netip().As4()
	copy(b[12:16], srcB[:])
	copy(b[16:20], dstB[:])
	binPutChecksum(b[10:12], ipChecksum(b[:20]))
	copy(b[20:], l4)
	return b
}

// buildIPv6 writes a 40-byte IPv6 header in front of l4.
func buildIPv6(src, dst bufpool.IPAddr, nextHeader byte, l4 []byte) []byte {
	return buildIPv6Into(make([]byte, 40+len(l4)), src, dst, nextHeader, l4)
}

// buildIPv6Into is buildIPv6 writing into a caller-supplied buffer.
func buildIPv6Into(b []byte, src, dst bufpool.IPAddr, nextHeader byte, l4 []byte) []byte {
	total := 40 + len(l4)
	b = b[:total]
	b[0] = 0x60
	b[1], b[2], b[3] = 0, 0, 0 // traffic class + flow label
	payloadLen := len(l4)
	b[4] = byte(payloadLen >> 8)
	b[5] = byte(payloadLen)
	b[6] = nextHeader
	b[7] = 64 // hop limit
	srcB := src.Netip().As16()
	dstB := dst.Netip().As16()
	copy(b[8:24], srcB[:])
	copy(b[24:40], dstB[:])
	copy(b[40:], l4)
	return b
}

func binPutChecksum(b []byte, sum uint16) {
	b[0] = byte(sum >> 8)
	b[1] = byte(sum)
}

// ipChecksum computes the standard one's-complement IPv4 header checksum
// over hdr, assuming hdr[10:12] (the checksum field) is currently zero.
func ipChecksum(hdr []byte) uint16 {
	return checksum(hdr)
}

func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum accumulates the IPv4/IPv6 pseudo-header used by TCP/UDP
// checksums, returned as a running sum to fold together with the L4 bytes.
func pseudoHeaderSum(version bufpool.IPVersion, src, dst bufpool.IPAddr, protocol byte, l4Len int) uint32 {
	var sum uint32
	if version == bufpool.IPv4 {
		s := src.Netip().As4()
		d := dst.Netip().As4()
		sum += uint32(s[0])<<8 | uint32(s[1])
		sum += uint32(s[2])<<8 | uint32(s[3])
		sum += uint32(d[0])<<8 | uint32(d[1])
		sum += uint32(d[2])<<8 | uint32(d[3])
	} else {
		s := src.Netip().As16()
		d := dst.Netip().As16()
		for i := 0; i < 16; i += 2 {
			sum += uint32(s[i])<<8 | uint32(s[i+1])
			sum += uint32(d[i])<<8 | uint32(d[i+1])
		}
	}
	sum += uint32(protocol)
	sum += uint32(l4Len)
	return sum
}

const (
	tcpChecksumOffset = 16
	udpChecksumOffset = 6
)

// finalizeL4Checksum zeroes then fills the checksum field at offset within
// l4, using the pseudo-header for (version, src, dst, protocol). Called
// once the segment/datagram's final bytes — and the IP addresses it will
// be framed with — are known.
func finalizeL4Checksum(l4 []byte, offset int, version bufpool.IPVersion, src, dst bufpool.IPAddr, protocol byte) {
	l4[offset] = 0
	l4[offset+1] = 0
	sum := l4Checksum(version, src, dst, protocol, l4)
	l4[offset] = byte(sum >> 8)
	l4[offset+1] = byte(sum)
}

func l4Checksum(version bufpool.IPVersion, src, dst bufpool.IPAddr, protocol byte, l4 []byte) uint16 {
	sum := pseudoHeaderSum(version, src, dst, protocol, len(l4))
	n := len(l4)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(l4[i])<<8 | uint32(l4[i+1])
	}
	if n%2 == 1 {
		sum += uint32(l4[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
