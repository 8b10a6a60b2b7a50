// Package packet implements the pure, stateless parsing pipeline of
// spec.md §4.2: IPv4/IPv6 decode, TCP/UDP port extraction, DNS response
// sniffing, TLS ClientHello SNI extraction, and QUIC Initial decryption
// for SNI. Parse never panics; on any bounds failure it returns a nil
// *Metadata (there is no error return), matching the ParseError edge policy of
// spec.md §7 (silent, no counter).
package packet

import "tunnelengine/internal/bufpool"

// DNSInfo carries the sniffed contents of a DNS message on port 53.
type DNSInfo struct {
	QueryName  string
	QueryType  uint16
	IsResponse bool
	CNAMEs     []string
	Addresses  []bufpool.IPAddr
}

// QUICInfo carries the long-header fields of a sniffed QUIC packet.
type QUICInfo struct {
	Version    uint32
	DCID       []byte
	SCID       []byte
	PacketType string // "initial", "0-rtt", "handshake", "retry"
}

// Metadata is the parser's output for one IP frame.
type Metadata struct {
	Version   bufpool.IPVersion
	Transport bufpool.Transport
	Length    int

	SrcIP bufpool.IPAddr
	DstIP bufpool.IPAddr

	SrcPort  uint16
	DstPort  uint16
	HasPorts bool

	DNS           *DNSInfo
	TLSServerName string
	QUIC          *QUICInfo

	// RegistrableDomain is computed from whichever hostname signal (DNS
	// query name, TLS SNI, or QUIC-derived SNI) was observed, if any.
	RegistrableDomain string
}

// Hint lets a caller tell the parser which transport-layer sniffers are
// worth attempting, avoiding wasted work parsing DNS/TLS/QUIC payloads
// for flows the caller already knows are uninteresting.
type Hint struct {
	SniffDNS  bool
	SniffTLS  bool
	SniffQUIC bool
}

// DefaultHint enables every sniffer; it is the right choice unless a
// caller is parsing at very high packet rates and wants to skip stages.
var DefaultHint = Hint{SniffDNS: true, SniffTLS: true, SniffQUIC: true}
