// Package provider wires every other package in this module into the
// running engine described by spec.md §4.14: it loads a Configuration,
// builds the tun device, userspace stack, flow manager, packet-sample
// pipeline, classifier, metrics, event bus, and (optionally) the SOCKS5
// relay, starts them, and routes lifecycle events and control-channel
// requests to a host-supplied sink. It is adapted from the teacher's
// manager.VPNManager connect/disconnect lifecycle, generalized from
// "manage one Shadowsocks server process" to "own the whole in-process
// engine".
package provider

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"tunnelengine/internal/config"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/engineerr"
	"tunnelengine/internal/forwardhost"
)

// BlockedHostSet holds the normalised, lower-cased set of policy.blockedHosts
// entries and answers label-boundary suffix matches: "example.com" matches
// "example.com", "sub.example.com", and "a.b.example.com", but not
// "notexample.com" or "example.company" (spec.md §8).
type BlockedHostSet struct {
	hosts map[string]bool
}

// NewBlockedHostSet normalises hosts to lower case.
func NewBlockedHostSet(hosts []string) BlockedHostSet {
	m := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			m[h] = true
		}
	}
	return BlockedHostSet{hosts: m}
}

// Matches reports whether host is blocked, either exactly or as a
// label-boundary subdomain of a blocked suffix.
func (s BlockedHostSet) Matches(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}
	for blocked := range s.hosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

// latencyFor returns the configured latency for host, preferring a
// per-host rule over the global one (empty Host field).
func latencyFor(rules []config.LatencyRule, host string) time.Duration {
	var global time.Duration
	host = strings.ToLower(host)
	for _, r := range rules {
		if r.Host == "" {
			global = time.Duration(r.LatencyMS) * time.Millisecond
			continue
		}
		if strings.ToLower(r.Host) == host {
			return time.Duration(r.LatencyMS) * time.Millisecond
		}
	}
	return global
}

// policyDialer wraps a host/reference dialer.Dialer with the blocked-host
// and latency-injection policies of spec.md §4.14/§6. It resolves the dial
// target's hostname through the forward-host tracker when the caller (the
// stack, which only ever knows destination IPs) passes an IP literal, so
// that suffix-based blocking still applies to tunneled flows and not just
// to SOCKS5 clients that dial by domain name directly.
type policyDialer struct {
	dialer.Dialer

	mu      sync.RWMutex
	blocked BlockedHostSet
	latency []config.LatencyRule

	tracker *forwardhost.Tracker
	onBlock func(host string)
}

func newPolicyDialer(d dialer.Dialer, tracker *forwardhost.Tracker, onBlock func(string)) *policyDialer {
	return &policyDialer{Dialer: d, tracker: tracker, onBlock: onBlock}
}

// setPolicy swaps in a new blocked-host set and latency rule list, applied
// to subsequent dials. Safe to call while the engine is running, matching
// spec.md §3's "rebuilt whenever configuration changes" lifecycle.
func (p *policyDialer) setPolicy(blocked BlockedHostSet, latency []config.LatencyRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = blocked
	p.latency = latency
}

func (p *policyDialer) snapshot() (BlockedHostSet, []config.LatencyRule) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blocked, p.latency
}

// hostnameFor returns the best-known hostname for a dial target: the
// target itself if it isn't an IP literal (SOCKS5 domain dials), or the
// forward-host tracker's most recent observation for that IP.
func (p *policyDialer) hostnameFor(target string) (string, bool) {
	if net.ParseIP(target) == nil {
		return target, true
	}
	if p.tracker == nil {
		return "", false
	}
	ip, ok := ipFromString(target)
	if !ok {
		return "", false
	}
	return p.tracker.Lookup(ip)
}

func (p *policyDialer) checkAndDelay(ctx context.Context, host string, port int) error {
	blocked, latency := p.snapshot()
	if name, ok := p.hostnameFor(host); ok && blocked.Matches(name) {
		if p.onBlock != nil {
			p.onBlock(name)
		}
		return &engineerr.DialFailed{Kind: engineerr.DialBlocked, Host: name, Port: port,
			Err: &dialer.DialError{Kind: dialer.ErrBlocked}}
	}
	if name, ok := p.hostnameFor(host); ok {
		if d := latencyFor(latency, name); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (p *policyDialer) TCPDial(ctx context.Context, host string, port int) (dialer.Handle, error) {
	if err := p.checkAndDelay(ctx, host, port); err != nil {
		return 0, err
	}
	return p.Dialer.TCPDial(ctx, host, port)
}

func (p *policyDialer) UDPDial(ctx context.Context, host string, port int) (dialer.Handle, error) {
	if err := p.checkAndDelay(ctx, host, port); err != nil {
		return 0, err
	}
	return p.Dialer.UDPDial(ctx, host, port)
}
