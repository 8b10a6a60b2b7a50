package packet

import (
	"strings"

	"github.com/miekg/dns"
	"tunnelengine/internal/bufpool"
)

// parseDNS sniffs a UDP/53 payload. It uses miekg/dns to unpack the
// message (the same library bassosimone-nop's resolver stack depends on)
// and never returns an error to the caller: any malformed message simply
// yields nil, per the parser's ParseError edge policy.
func parseDNS(b []byte) *DNSInfo {
	if len(b) < 12 {
		return nil
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return nil
	}
	if len(msg.Question) == 0 {
		return nil
	}
	info := &DNSInfo{
		QueryName:  strings.TrimSuffix(msg.Question[0].Name, "."),
		QueryType:  msg.Question[0].Qtype,
		IsResponse: msg.Response,
	}
	if !msg.Response {
		return info
	}
	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.CNAME:
			info.CNAMEs = append(info.CNAMEs, strings.TrimSuffix(rec.Target, "."))
		case *dns.A:
			if addr, ok := bufpool.AddrFromBytes(rec.A.To4()); ok {
				info.Addresses = append(info.Addresses, addr)
			}
		case *dns.AAAA:
			if addr, ok := bufpool.AddrFromBytes(rec.AAAA.To16()); ok {
				info.Addresses = append(info.Addresses, addr)
			}
		}
	}
	return info
}
