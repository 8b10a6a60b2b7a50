package refdialer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelengine/internal/wsconn"
)

var errNoHealthyUpstream = errors.New("refdialer: no healthy upstream")

// hcState is one transport's (TCP or UDP) rolling health-check state for an
// upstream.
type hcState struct {
	healthy      bool
	failCount    int
	successCount int

	lastError     error
	lastCheckTime time.Time

	lastRTT time.Duration
	rttEWMA time.Duration

	nextHC  time.Time
	hcEvery time.Duration
}

// upstreamState is one pool member's mutable health/selection state,
// separate per transport so a TCP outage doesn't mark UDP unhealthy and
// vice versa.
type upstreamState struct {
	cfg UpstreamConfig
	mu  sync.Mutex

	tcp hcState
	udp hcState

	tcpCooldownUntil time.Time
	udpCooldownUntil time.Time

	standbyMu  sync.Mutex
	standbyTCP wsconn.Conn
}

// LoadBalancer health-checks a pool of Shadowsocks-over-WebSocket upstreams
// and picks the best one per dial, sticky within a TTL and with hysteresis
// against small RTT differences so it doesn't flap between two near-equal
// upstreams. Adapted from the teacher's lb.go/warm_standby.go, generalized
// off nhooyr.io/websocket onto internal/wsconn.
type LoadBalancer struct {
	hc     HealthcheckConfig
	sel    SelectionConfig
	probe  ProbeConfig
	fwmark uint32
	log    *logrus.Logger

	mu   sync.Mutex
	pool []*upstreamState

	current     *upstreamState
	stickyUntil time.Time
}

// NewLoadBalancer builds a LoadBalancer over ups. log may be nil, in which
// case logrus's standard logger is used.
func NewLoadBalancer(ups []UpstreamConfig, hc HealthcheckConfig, sel SelectionConfig, probe ProbeConfig, fwmark uint32, log *logrus.Logger) *LoadBalancer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pool := make([]*upstreamState, 0, len(ups))
	for _, u := range ups {
		pool = append(pool, &upstreamState{cfg: u})
	}
	return &LoadBalancer{hc: hc, sel: sel, probe: probe, fwmark: fwmark, log: log, pool: pool}
}

// PickTCP returns the best currently-healthy upstream for a new TCP dial.
func (lb *LoadBalancer) PickTCP() (*upstreamState, error) { return lb.pickByEndpoint(true) }

// PickUDP returns the best currently-healthy upstream for a new UDP dial.
func (lb *LoadBalancer) PickUDP() (*upstreamState, error) { return lb.pickByEndpoint(false) }

func (lb *LoadBalancer) pickByEndpoint(isTCP bool) (*upstreamState, error) {
	now := time.Now()

	lb.mu.Lock()
	pool := append([]*upstreamState(nil), lb.pool...)
	cur := lb.current
	stickyUntil := lb.stickyUntil
	lb.mu.Unlock()

	// Sticky selection and its hysteresis only apply to TCP: UDP dials are
	// short-lived per-datagram sessions with no connection to keep pinned.
	if isTCP && cur != nil && now.Before(stickyUntil) {
		cur.mu.Lock()
		ok := cur.tcp.healthy && now.After(cur.tcpCooldownUntil)
		cur.mu.Unlock()
		if ok {
			return cur, nil
		}
	}

	best, bestRTT, err := lb.pickBestCandidateByEndpoint(pool, now, isTCP)
	if err != nil {
		return nil, err
	}

	if isTCP && cur != nil {
		cur.mu.Lock()
		curOK := cur.tcp.healthy && now.After(cur.tcpCooldownUntil)
		curRTT := cur.tcp.rttEWMA
		cur.mu.Unlock()

		if curOK && curRTT > 0 && bestRTT > 0 && curRTT-bestRTT < lb.sel.MinSwitch {
			lb.mu.Lock()
			lb.current = cur
			lb.stickyUntil = now.Add(lb.sel.StickyTTL)
			lb.mu.Unlock()
			return cur, nil
		}
	}

	if isTCP {
		lb.mu.Lock()
		lb.current = best
		lb.stickyUntil = now.Add(lb.sel.StickyTTL)
		lb.mu.Unlock()
	}

	return best, nil
}

func (lb *LoadBalancer) pickBestCandidateByEndpoint(pool []*upstreamState, now time.Time, isTCP bool) (*upstreamState, time.Duration, error) {
	var best *upstreamState
	bestScore := float64(1e18)
	bestRTT := time.Duration(0)

	for _, s := range pool {
		s.mu.Lock()
		var h hcState
		var cooldownUntil time.Time
		if isTCP {
			h, cooldownUntil = s.tcp, s.tcpCooldownUntil
		} else {
			h, cooldownUntil = s.udp, s.udpCooldownUntil
		}
		w := s.cfg.Weight
		s.mu.Unlock()

		if !h.healthy || now.Before(cooldownUntil) {
			continue
		}

		score, rtt := lb.scoreCandidate(h, now, w)
		if score < bestScore {
			bestScore, best, bestRTT = score, s, rtt
		}
	}

	if best == nil {
		return nil, 0, errNoHealthyUpstream
	}
	return best, bestRTT, nil
}

// scoreCandidate computes a lower-is-better selection score from base RTT
// plus penalties for staleness, repeated failure, and a fresh error, scaled
// by inverse weight.
func (lb *LoadBalancer) scoreCandidate(h hcState, now time.Time, weight int) (float64, time.Duration) {
	base := float64(h.rttEWMA.Milliseconds())
	if base <= 0 {
		base = 1000
	}

	stalePenalty := 0.0
	if staleness := now.Sub(h.lastCheckTime); staleness > 2*lb.hc.Interval {
		stalePenalty = float64(staleness.Milliseconds()) * 0.2
	}

	failPenalty := float64(h.failCount) * 500
	errPenalty := 0.0
	if h.lastError != nil {
		errPenalty = 500
	}

	if weight <= 0 {
		weight = 1
	}
	return (base + stalePenalty + failPenalty + errPenalty) * (1.0 / float64(weight)), h.rttEWMA
}

// RunHealthChecks drives the periodic TCP/UDP health-check scheduler until
// ctx is cancelled.
func (lb *LoadBalancer) RunHealthChecks(ctx context.Context) {
	lb.mu.Lock()
	pool := append([]*upstreamState(nil), lb.pool...)
	lb.mu.Unlock()

	now := time.Now()
	for _, s := range pool {
		s.mu.Lock()
		s.tcp.nextHC = now
		s.udp.nextHC = now
		if s.tcp.hcEvery == 0 {
			s.tcp.hcEvery = lb.hc.Interval
		}
		if s.udp.hcEvery == 0 {
			s.udp.hcEvery = lb.hc.Interval
		}
		s.mu.Unlock()
	}

	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			lb.runDueChecks(ctx)
		}
	}
}

func (lb *LoadBalancer) runDueChecks(ctx context.Context) {
	lb.mu.Lock()
	pool := append([]*upstreamState(nil), lb.pool...)
	lb.mu.Unlock()

	now := time.Now()
	for _, st := range pool {
		st.mu.Lock()
		tcpDue := !st.tcp.nextHC.After(now)
		udpDue := !st.udp.nextHC.After(now)
		st.mu.Unlock()

		if tcpDue {
			go lb.checkOneTCP(ctx, st)
		}
		if udpDue {
			go lb.checkOneUDP(ctx, st)
		}
	}
}

// ReportTCPFailure records a failed dial/write outside the health-check
// loop (e.g. from the Dialer itself), forcing a faster recheck and
// dropping any sticky pin to the failed upstream.
func (lb *LoadBalancer) ReportTCPFailure(s *upstreamState, err error) {
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.tcp.lastError = err
	s.tcp.failCount++
	s.tcp.successCount = 0
	s.tcp.healthy = false
	s.tcpCooldownUntil = now.Add(lb.sel.Cooldown)
	s.tcp.hcEvery = lb.hc.MinInterval
	s.tcp.nextHC = now.Add(applyJitter(lb.hc.MinInterval, lb.hc.Jitter))
	s.mu.Unlock()

	lb.mu.Lock()
	if lb.current == s {
		lb.stickyUntil = time.Time{}
	}
	lb.mu.Unlock()
}

// ReportUDPFailure is ReportTCPFailure's UDP counterpart.
func (lb *LoadBalancer) ReportUDPFailure(s *upstreamState, err error) {
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.udp.lastError = err
	s.udp.failCount++
	s.udp.successCount = 0
	s.udp.healthy = false
	s.udpCooldownUntil = now.Add(lb.sel.Cooldown)
	s.udp.hcEvery = lb.hc.MinInterval
	s.udp.nextHC = now.Add(applyJitter(lb.hc.MinInterval, lb.hc.Jitter))
	s.mu.Unlock()
}

func (lb *LoadBalancer) pickTopN(now time.Time, n int) []*upstreamState {
	lb.mu.Lock()
	pool := append([]*upstreamState(nil), lb.pool...)
	lb.mu.Unlock()

	out := make([]*upstreamState, 0, n)
	used := map[*upstreamState]bool{}
	for len(out) < n {
		var best *upstreamState
		bestScore := float64(1e18)
		for _, s := range pool {
			if used[s] {
				continue
			}
			s.mu.Lock()
			h, cooldownUntil, w := s.tcp, s.tcpCooldownUntil, s.cfg.Weight
			s.mu.Unlock()
			if !h.healthy || now.Before(cooldownUntil) {
				continue
			}
			score, _ := lb.scoreCandidate(h, now, w)
			if score < bestScore {
				bestScore, best = score, s
			}
		}
		if best == nil {
			break
		}
		used[best] = true
		out = append(out, best)
	}
	return out
}

// RunWarmStandby keeps a pre-dialed WebSocket connection ready on the
// top-N upstreams, so the first TCP dial after a sticky switch doesn't pay
// handshake latency. Runs until ctx is cancelled, closing any standby
// connections it holds on exit.
func (lb *LoadBalancer) RunWarmStandby(ctx context.Context) {
	t := time.NewTicker(lb.sel.WarmStandbyInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			lb.mu.Lock()
			pool := append([]*upstreamState(nil), lb.pool...)
			lb.mu.Unlock()
			for _, u := range pool {
				u.standbyMu.Lock()
				if u.standbyTCP != nil {
					_ = u.standbyTCP.Close(wsconn.StatusNormalClosure, "shutdown")
					u.standbyTCP = nil
				}
				u.standbyMu.Unlock()
			}
			return
		case <-t.C:
			n := lb.sel.WarmStandbyN
			if n <= 0 {
				continue
			}
			for _, u := range lb.pickTopN(time.Now(), n) {
				go lb.EnsureStandbyTCP(ctx, u)
			}
		}
	}
}

func (lb *LoadBalancer) checkOneTCP(parent context.Context, st *upstreamState) {
	cctx, cancel := context.WithTimeout(parent, lb.hc.Timeout)
	defer cancel()

	rtt, err := wsconn.Probe(cctx, st.cfg.TCPWSS, lb.fwmark)
	if err == nil && lb.probe.EnableTCP {
		pctx, pcancel := context.WithTimeout(parent, lb.probe.Timeout)
		if prtt, perr := ProbeTCPQuality(pctx, st.cfg, lb.probe.TCPTarget, lb.fwmark); perr != nil {
			err = perr
		} else {
			rtt = prtt
		}
		pcancel()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	lb.applyHCResult(&st.tcp, err, rtt, st.cfg.Name, "tcp")
	if st.tcp.healthy {
		st.tcpCooldownUntil = time.Time{}
	}
}

func (lb *LoadBalancer) checkOneUDP(parent context.Context, st *upstreamState) {
	cctx, cancel := context.WithTimeout(parent, lb.hc.Timeout)
	defer cancel()

	rtt, err := wsconn.Probe(cctx, st.cfg.UDPWSS, lb.fwmark)
	if err == nil && lb.probe.EnableUDP {
		pctx, pcancel := context.WithTimeout(parent, lb.probe.Timeout)
		if prtt, perr := ProbeUDPQuality(pctx, st.cfg, lb.probe.UDPTarget, lb.probe.DNSName, lb.probe.DNSType, lb.fwmark); perr != nil {
			err = perr
		} else {
			rtt = prtt
		}
		pcancel()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	lb.applyHCResult(&st.udp, err, rtt, st.cfg.Name, "udp")
	if st.udp.healthy {
		st.udpCooldownUntil = time.Time{}
	}
}

func (lb *LoadBalancer) applyHCResult(h *hcState, err error, rtt time.Duration, name, proto string) {
	h.lastCheckTime = time.Now()

	if err != nil {
		h.lastError = err
		h.successCount = 0
		h.failCount++
		if h.failCount >= lb.hc.FailThreshold {
			if h.healthy {
				lb.log.WithFields(logrus.Fields{"upstream": name, "proto": proto, "err": err}).Warn("upstream down")
			}
			h.healthy = false
		}
		h.hcEvery = lb.nextIntervalOnFailure(*h)
		h.nextHC = time.Now().Add(applyJitter(h.hcEvery, lb.hc.Jitter))
		return
	}

	h.lastError = nil
	h.failCount = 0
	h.successCount++
	h.lastRTT = rtt
	if h.rttEWMA == 0 {
		h.rttEWMA = rtt
	} else {
		h.rttEWMA = time.Duration(float64(h.rttEWMA)*0.8 + float64(rtt)*0.2)
	}

	if h.successCount >= lb.hc.SuccessThreshold {
		if !h.healthy {
			lb.log.WithFields(logrus.Fields{"upstream": name, "proto": proto, "rtt": h.rttEWMA}).Info("upstream up")
		}
		h.healthy = true
	}

	h.hcEvery = lb.nextIntervalOnSuccess(*h)
	h.nextHC = time.Now().Add(applyJitter(h.hcEvery, lb.hc.Jitter))
}

func (lb *LoadBalancer) nextIntervalOnFailure(h hcState) time.Duration {
	base := lb.hc.MinInterval
	if h.hcEvery > 0 {
		base = h.hcEvery
	}
	if h.healthy {
		base = lb.hc.MinInterval
	}
	next := time.Duration(float64(base) * lb.hc.BackoffFactor)
	if next < lb.hc.MinInterval {
		next = lb.hc.MinInterval
	}
	if next > lb.hc.MaxInterval {
		next = lb.hc.MaxInterval
	}
	return next
}

func (lb *LoadBalancer) nextIntervalOnSuccess(h hcState) time.Duration {
	base := h.hcEvery
	if base == 0 {
		base = lb.hc.Interval
	}
	if h.successCount < 3 {
		base = minDur(base, lb.hc.Interval)
	}
	add := time.Duration(float64(h.rttEWMA) * lb.hc.RTTScale)
	next := time.Duration(float64(base)*1.2) + add
	if next < lb.hc.MinInterval {
		next = lb.hc.MinInterval
	}
	if next > lb.hc.MaxInterval {
		next = lb.hc.MaxInterval
	}
	return next
}

// wsAliveCheck verifies an idle standby WebSocket is still usable before
// handing it to a new TCP tunnel: some servers close idle CONNECT streams
// silently, and the first bytes written to a stale conn would be dropped.
func wsAliveCheck(ctx context.Context, c wsconn.Conn) bool {
	return c.Ping(ctx) == nil
}

// AcquireTCPWS returns a warmed standby connection for up if one is ready
// and still alive, otherwise dials fresh.
func (lb *LoadBalancer) AcquireTCPWS(ctx context.Context, up *upstreamState) (wsconn.Conn, error) {
	up.standbyMu.Lock()
	c := up.standbyTCP
	up.standbyTCP = nil
	up.standbyMu.Unlock()

	if c != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
		ok := wsAliveCheck(checkCtx, c)
		cancel()
		if ok {
			return c, nil
		}
		_ = c.Close(wsconn.StatusNormalClosure, "stale-standby")
	}

	return wsconn.Dial(ctx, up.cfg.TCPWSS, lb.fwmark)
}

// EnsureStandbyTCP warms up's standby TCP connection if it's healthy and
// doesn't already have one.
func (lb *LoadBalancer) EnsureStandbyTCP(ctx context.Context, up *upstreamState) {
	up.mu.Lock()
	ok := up.tcp.healthy && time.Now().After(up.tcpCooldownUntil)
	up.mu.Unlock()
	if !ok {
		up.standbyMu.Lock()
		if up.standbyTCP != nil {
			_ = up.standbyTCP.Close(wsconn.StatusNormalClosure, "standby-reset")
			up.standbyTCP = nil
		}
		up.standbyMu.Unlock()
		return
	}

	up.standbyMu.Lock()
	exists := up.standbyTCP != nil
	up.standbyMu.Unlock()
	if exists {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, lb.hc.Timeout)
	defer cancel()
	c, err := wsconn.Dial(cctx, up.cfg.TCPWSS, lb.fwmark)
	if err != nil {
		return
	}

	up.standbyMu.Lock()
	if up.standbyTCP != nil {
		_ = c.Close(wsconn.StatusNormalClosure, "duplicate-standby")
	} else {
		up.standbyTCP = c
	}
	up.standbyMu.Unlock()
}
