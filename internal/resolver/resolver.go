// Package resolver implements the two-layer DNS resolution of spec.md
// §4.6: the host-supplied override closure is tried first; its addresses,
// if any, pin the dial. Otherwise an internal resolver (platform
// address-info, or a recursive miekg/dns stub, per the config.DNS.Internal
// toggle of spec.md §9) is used. Every successful resolution is recorded
// into the forward-host tracker with a 10-minute TTL, and duplicate
// in-flight lookups for the same host coalesce behind golang.org/x/sync/
// singleflight, the same de-duplication idiom the pack's VNet network
// stack and HydraDNS forwarding resolver use for resolver fan-in.
package resolver

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"tunnelengine/internal/bufpool"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/forwardhost"
)

// Backend selects the internal resolver's strategy.
type Backend string

const (
	BackendPlatform Backend = "platform"
	BackendStub     Backend = "stub"
)

// Resolver merges a host override closure with an internal backend and
// records every successful answer into a forwardhost.Tracker.
type Resolver struct {
	host    dialer.Resolver
	backend Backend
	servers []string
	tracker *forwardhost.Tracker

	sf singleflight.Group
}

// New creates a Resolver. host may be nil (no override configured). When
// backend is BackendStub, servers lists the DNS servers to query;
// otherwise it is ignored and net.DefaultResolver is used.
func New(host dialer.Resolver, backend Backend, servers []string, tracker *forwardhost.Tracker) *Resolver {
	if backend == "" {
		backend = BackendPlatform
	}
	return &Resolver{host: host, backend: backend, servers: servers, tracker: tracker}
}

// Resolve returns the addresses for host, trying the host override first
// and falling back to the internal resolver. Concurrent callers resolving
// the same host share a single in-flight lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, error) {
	v, err, _ := r.sf.Do(host, func() (interface{}, error) {
		return r.resolveOnce(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *Resolver) resolveOnce(ctx context.Context, host string) ([]string, error) {
	if r.host != nil {
		if addrs, err := r.host(ctx, host); err == nil && len(addrs) > 0 {
			r.record(host, addrs)
			return addrs, nil
		}
	}

	var addrs []string
	var err error
	switch r.backend {
	case BackendStub:
		addrs, err = r.resolveStub(ctx, host)
	default:
		addrs, err = r.resolvePlatform(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	r.record(host, addrs)
	return addrs, nil
}

func (r *Resolver) resolvePlatform(ctx context.Context, host string) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.IP.String())
	}
	return out, nil
}

func (r *Resolver) resolveStub(ctx context.Context, host string) ([]string, error) {
	servers := r.servers
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53"}
	}

	c := new(dns.Client)
	c.Timeout = 5 * time.Second
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	var lastErr error
	for _, server := range servers {
		reply, _, err := c.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		var out []string
		for _, ans := range reply.Answer {
			if a, ok := ans.(*dns.A); ok {
				out = append(out, a.A.String())
			}
			if aaaa, ok := ans.(*dns.AAAA); ok {
				out = append(out, aaaa.AAAA.String())
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &NoSuchHostError{Host: host}
}

func (r *Resolver) record(host string, addrs []string) {
	if r.tracker == nil {
		return
	}
	for _, a := range addrs {
		ip, err := parseIPAddr(a)
		if err != nil {
			continue
		}
		r.tracker.Record(ip, host)
	}
}

func parseIPAddr(s string) (bufpool.IPAddr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return bufpool.IPAddr{}, &NoSuchHostError{Host: s}
	}
	if v4 := ip.To4(); v4 != nil {
		a, _ := bufpool.AddrFromBytes(v4)
		return a, nil
	}
	a, _ := bufpool.AddrFromBytes(ip.To16())
	return a, nil
}

// NoSuchHostError reports that no address could be resolved for Host.
type NoSuchHostError struct {
	Host string
}

func (e *NoSuchHostError) Error() string { return "resolver: no such host: " + e.Host }
