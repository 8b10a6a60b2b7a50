package packet

import "strings"

// twoPartTLDs is the fixed small list of second-level public suffixes
// spec.md §4.2 calls out by example (co.uk, com.au, ...). It is
// deliberately short: the spec asks for an approximation, not a full
// public-suffix-list implementation.
var twoPartTLDs = map[string]bool{
	"co.uk":  true,
	"org.uk": true,
	"ac.uk":  true,
	"gov.uk": true,
	"com.au": true,
	"net.au": true,
	"org.au": true,
	"co.jp":  true,
	"co.nz":  true,
	"co.in":  true,
	"co.kr":  true,
	"com.br": true,
	"com.cn": true,
}

// RegistrableDomain strips all but the last two labels, or the last three
// when the penultimate pair is a known two-part TLD. Exported so the
// classifier can match on the same notion of "domain" the parser reports.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	lastTwo := strings.Join(labels[len(labels)-2:], ".")
	if twoPartTLDs[lastTwo] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return lastTwo
}
