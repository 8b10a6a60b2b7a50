package packet

import "tunnelengine/internal/bufpool"

// The constants below list the extension header types the walker understands,
// per spec.md §4.2 ("walks up to 8 extension headers").
const (
	hopByHop        = 0
	ipv6Route       = 43
	ipv6Frag        = 44
	ipv6ESP         = 50
	ipv6AuthHdr     = 51
	ipv6Destination = 60
	maxExtHeaders   = 8
)

// Parse decodes one raw IP frame (no link-layer framing) and extracts the
// metadata spec.md §4.2 describes. It never panics: any bounds failure
// yields nil.
func Parse(b []byte, hint Hint) *Metadata {
	if len(b) < 1 {
		return nil
	}
	version := b[0] >> 4
	switch version {
	case 4:
		return parseIPv4(b, hint)
	case 6:
		return parseIPv6(b, hint)
	default:
		return nil
	}
}

func parseIPv4(b []byte, hint Hint) *Metadata {
	if len(b) < 20 {
		return nil
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || ihl > len(b) {
		return nil
	}
	totalLen := int(b[2])<<8 | int(b[3])
	if totalLen == 0 || totalLen > len(b) {
		totalLen = len(b)
	}
	if totalLen < ihl {
		return nil
	}
	proto := b[9]
	src, ok1 := bufpool.AddrFromBytes(b[12:16])
	dst, ok2 := bufpool.AddrFromBytes(b[16:20])
	if !ok1 || !ok2 {
		return nil
	}
	m := &Metadata{
		Version: bufpool.IPv4,
		Length:  totalLen,
		SrcIP:   src,
		DstIP:   dst,
	}
	payload := b[ihl:totalLen]
	applyTransport(m, proto, payload, hint)
	return m
}

func parseIPv6(b []byte, hint Hint) *Metadata {
	if len(b) < 40 {
		return nil
	}
	payloadLen := int(b[4])<<8 | int(b[5])
	nextHdr := b[6]
	total := 40 + payloadLen
	if payloadLen == 0 || total > len(b) {
		total = len(b)
	}
	src, ok1 := bufpool.AddrFromBytes(b[8:24])
	dst, ok2 := bufpool.AddrFromBytes(b[24:40])
	if !ok1 || !ok2 {
		return nil
	}
	m := &Metadata{
		Version: bufpool.IPv6,
		Length:  total,
		SrcIP:   src,
		DstIP:   dst,
	}

	off := 40
	proto := nextHdr
	for i := 0; i < maxExtHeaders; i++ {
		switch proto {
		case hopByHop, ipv6Route, ipv6Destination, ipv6AuthHdr:
			if off+2 > len(b) {
				return nil
			}
			nh := b[off]
			hdrLen := int(b[off+1])*8 + 8
			if proto == ipv6AuthHdr {
				hdrLen = (int(b[off+1]) + 2) * 4
			}
			if off+hdrLen > len(b) {
				return nil
			}
			proto = nh
			off += hdrLen
			continue
		case ipv6Frag:
			if off+8 > len(b) {
				return nil
			}
			proto = b[off]
			off += 8
			continue
		case ipv6ESP:
			// Encrypted payload: cannot see the real transport header.
			m.Transport = 0
			return m
		default:
			if off > total {
				return nil
			}
			payload := b[off:total]
			applyTransport(m, proto, payload, hint)
			return m
		}
	}
	return nil
}

func applyTransport(m *Metadata, proto byte, payload []byte, hint Hint) {
	switch bufpool.Transport(proto) {
	case bufpool.TransportTCP:
		m.Transport = bufpool.TransportTCP
		parseTCP(m, payload, hint)
	case bufpool.TransportUDP:
		m.Transport = bufpool.TransportUDP
		parseUDP(m, payload, hint)
	}
}

func parseTCP(m *Metadata, b []byte, hint Hint) {
	if len(b) < 20 {
		return
	}
	m.SrcPort = be16(b[0:2])
	m.DstPort = be16(b[2:4])
	m.HasPorts = true
	dataOff := int(b[12]>>4) * 4
	if dataOff < 20 || dataOff > len(b) {
		return
	}
	payload := b[dataOff:]
	if hint.SniffTLS && len(payload) > 0 && payload[0] == 22 {
		if sni, ok := parseTLSClientHelloSNI(payload); ok {
			m.TLSServerName = sni
			m.RegistrableDomain = RegistrableDomain(sni)
		}
	}
}

func parseUDP(m *Metadata, b []byte, hint Hint) {
	if len(b) < 8 {
		return
	}
	m.SrcPort = be16(b[0:2])
	m.DstPort = be16(b[2:4])
	m.HasPorts = true
	length := int(be16(b[4:6]))
	if length < 8 || length > len(b) {
		length = len(b)
	}
	payload := b[8:length]

	if hint.SniffDNS && (m.DstPort == 53 || m.SrcPort == 53) {
		if info := parseDNS(payload); info != nil {
			m.DNS = info
			if info.QueryName != "" {
				m.RegistrableDomain = RegistrableDomain(info.QueryName)
			}
		}
	}
	if hint.SniffQUIC && m.DstPort == 443 {
		if info, sni, ok := parseQUICInitial(payload); ok {
			m.QUIC = info
			if sni != "" {
				m.TLSServerName = sni
				m.RegistrableDomain = RegistrableDomain(sni)
			}
		}
	}
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
