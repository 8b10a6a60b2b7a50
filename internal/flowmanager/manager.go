package flowmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tunnelengine/internal/bufpool"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/engineerr"
)

const (
	defaultCap     = 128
	defaultIdleTCP = 120 * time.Second
	defaultIdleUDP = 60 * time.Second
)

// Callbacks lets the stack observe flow lifecycle events without the
// manager importing the stack package.
type Callbacks struct {
	// OnInbound delivers bytes received from the dialer for framing back
	// onto the tun device.
	OnInbound func(key bufpool.FlowKey, b []byte)
	// OnClosed fires exactly once per flow, however it was torn down.
	OnClosed func(key bufpool.FlowKey, reason string)
	// OnAdmitted fires once, when a flow's outbound dial succeeds and it
	// transitions Pending->Admitted. The stack uses this to emit the
	// TCP SYN/ACK that completes the host-visible handshake.
	OnAdmitted func(key bufpool.FlowKey)
}

// Options configures admission caps and idle timeouts; zero values take
// spec.md defaults.
type Options struct {
	TCPCap  int
	UDPCap  int
	IdleTCP time.Duration
	IdleUDP time.Duration
	MTU     int
}

// Stats exposes admission/eviction counters for the metrics collector.
type Stats struct {
	AdmissionFails uint64
	Evictions      uint64
}

// Manager tracks every live Flow, binds outbound dials, and routes inbound
// bytes back to the stack, generalizing the teacher's map+mutex+lastUsed
// session table into spec.md's full admission/backpressure/close state
// machine.
type Manager struct {
	dialer dialer.Dialer
	cb     Callbacks
	opt    Options

	mu       sync.Mutex
	flows    map[bufpool.FlowKey]*Flow
	byHandle map[dialer.Handle]*Flow
	genSeq   uint64

	admissionFails uint64
	evictions      uint64
}

// New creates a Manager bound to d for outbound dials and cb for inbound
// delivery.
func New(d dialer.Dialer, cb Callbacks, opt Options) *Manager {
	if opt.TCPCap <= 0 {
		opt.TCPCap = defaultCap
	}
	if opt.UDPCap <= 0 {
		opt.UDPCap = defaultCap
	}
	if opt.IdleTCP <= 0 {
		opt.IdleTCP = defaultIdleTCP
	}
	if opt.IdleUDP <= 0 {
		opt.IdleUDP = defaultIdleUDP
	}
	if opt.MTU <= 0 {
		opt.MTU = 1500
	}
	return &Manager{
		dialer:   d,
		cb:       cb,
		opt:      opt,
		flows:    make(map[bufpool.FlowKey]*Flow),
		byHandle: make(map[dialer.Handle]*Flow),
	}
}

// Stats returns a point-in-time snapshot of admission/eviction counters.
func (m *Manager) Stats() Stats {
	return Stats{
		AdmissionFails: atomic.LoadUint64(&m.admissionFails),
		Evictions:      atomic.LoadUint64(&m.evictions),
	}
}

// Lookup returns the live Flow for key, if any.
func (m *Manager) Lookup(key bufpool.FlowKey) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[key]
	return f, ok
}

func (m *Manager) capFor(t bufpool.Transport) int {
	if t == bufpool.TransportUDP {
		return m.opt.UDPCap
	}
	return m.opt.TCPCap
}

func (m *Manager) idleFor(t bufpool.Transport) time.Duration {
	if t == bufpool.TransportUDP {
		return m.opt.IdleUDP
	}
	return m.opt.IdleTCP
}

// Admit looks up or creates a Flow for key and kicks off the async dial.
// It fails admission — creating no flow, returning AdmissionDenied and
// bumping the admission-fail counter — if the transport's hard cap is reached and no idle flow can be
// evicted to make room.
func (m *Manager) Admit(ctx context.Context, key bufpool.FlowKey, host string, port int) (*Flow, error) {
	m.mu.Lock()
	if f, ok := m.flows[key]; ok {
		m.mu.Unlock()
		return f, nil
	}

	transportCap := m.capFor(key.Transport)
	if m.countTransportLocked(key.Transport) >= transportCap {
		if !m.evictOneLocked(key.Transport) {
			m.mu.Unlock()
			atomic.AddUint64(&m.admissionFails, 1)
			return nil, &engineerr.AdmissionDenied{Reason: "transport flow cap reached"}
		}
	}

	m.genSeq++
	f := newFlow(key, m.genSeq)
	m.flows[key] = f
	m.mu.Unlock()

	go m.dial(ctx, f, host, port)
	return f, nil
}

func (m *Manager) countTransportLocked(t bufpool.Transport) int {
	n := 0
	for k, f := range m.flows {
		if k.Transport != t {
			continue
		}
		if s := f.State(); s == StateClosed {
			continue
		}
		n++
	}
	return n
}

// evictOneLocked closes the least-recently-active flow of the given
// transport that has gone idle past its timeout, freeing a slot under the
// admission cap. A pool full of genuinely active flows yields no candidate
// and the new admission fails instead. Caller holds m.mu.
func (m *Manager) evictOneLocked(t bufpool.Transport) bool {
	idleCutoff := time.Now().Add(-m.idleFor(t))
	var oldest *Flow
	var oldestAt time.Time
	for k, f := range m.flows {
		if k.Transport != t {
			continue
		}
		switch f.State() {
		case StateClosed, StateClosing:
			continue
		}
		la := f.lastActivityTime()
		if la.After(idleCutoff) {
			continue
		}
		if oldest == nil || la.Before(oldestAt) {
			oldest = f
			oldestAt = la
		}
	}
	if oldest == nil {
		return false
	}
	m.mu.Unlock()
	m.closeFlow(oldest, "evicted_lru")
	atomic.AddUint64(&m.evictions, 1)
	m.mu.Lock()
	return true
}

func (m *Manager) dial(ctx context.Context, f *Flow, host string, port int) {
	var h dialer.Handle
	var err error
	if f.Key.Transport == bufpool.TransportUDP {
		h, err = m.dialer.UDPDial(ctx, host, port)
	} else {
		h, err = m.dialer.TCPDial(ctx, host, port)
	}

	f.mu.Lock()
	if err != nil {
		f.state = StateClosed
		f.closeReason = err.Error()
		f.pending = nil
		f.mu.Unlock()
		if m.cb.OnClosed != nil {
			m.cb.OnClosed(f.Key, err.Error())
		}
		m.mu.Lock()
		delete(m.flows, f.Key)
		m.mu.Unlock()
		return
	}
	f.handle = h
	f.hasHandle = true
	f.state = StateAdmitted
	buffered := f.pending
	f.pending = nil
	f.mu.Unlock()

	m.mu.Lock()
	m.byHandle[h] = f
	m.mu.Unlock()

	if m.cb.OnAdmitted != nil {
		m.cb.OnAdmitted(f.Key)
	}

	if len(buffered) > 0 {
		m.writeTo(f, buffered)
	}
}

// BufferOutbound hands payload to the flow: buffered (up to one MTU) if
// the dial has not completed, written straight through the dialer once
// Admitted.
func (m *Manager) BufferOutbound(f *Flow, payload []byte) error {
	f.mu.Lock()
	switch f.state {
	case StatePending:
		if len(f.pending)+len(payload) > m.opt.MTU {
			f.mu.Unlock()
			return &engineerr.BufferOverflow{Where: "flow_pending"}
		}
		f.pending = append(f.pending, payload...)
		f.mu.Unlock()
		return nil
	case StateAdmitted:
		f.mu.Unlock()
		return m.writeThrough(f, payload)
	default:
		f.mu.Unlock()
		return &engineerr.DialFailed{Kind: engineerr.DialCancelled, Err: nil}
	}
}

func (m *Manager) writeThrough(f *Flow, b []byte) error {
	f.mu.Lock()
	h, transport := f.handle, f.Key.Transport
	f.mu.Unlock()
	f.touch()

	var err error
	if transport == bufpool.TransportUDP {
		_, err = m.dialer.UDPWrite(h, b)
	} else {
		_, err = m.dialer.TCPWrite(h, b)
	}
	return err
}

func (m *Manager) writeTo(f *Flow, b []byte) {
	_ = m.writeThrough(f, b)
}

// SetBackpressure records a host report that outbound writes for a flow
// are blocked (paused=true) or have resumed (paused=false).
func (m *Manager) SetBackpressure(h dialer.Handle, paused bool) {
	m.mu.Lock()
	f := m.byHandle[h]
	m.mu.Unlock()
	if f == nil {
		return
	}
	f.mu.Lock()
	f.sendPaused = paused
	f.mu.Unlock()
}

// OnTCPReceive implements dialer.InboundConnection.
func (m *Manager) OnTCPReceive(h dialer.Handle, b []byte) { m.onReceive(h, b) }

// OnUDPReceive implements dialer.InboundConnection.
func (m *Manager) OnUDPReceive(h dialer.Handle, b []byte) { m.onReceive(h, b) }

func (m *Manager) onReceive(h dialer.Handle, b []byte) {
	m.mu.Lock()
	f := m.byHandle[h]
	m.mu.Unlock()
	if f == nil {
		return
	}
	f.touch()
	if m.cb.OnInbound != nil {
		m.cb.OnInbound(f.Key, b)
	}
}

// OnTCPClose implements dialer.InboundConnection.
func (m *Manager) OnTCPClose(h dialer.Handle, reason string) { m.onHostClose(h, reason) }

// OnUDPClose implements dialer.InboundConnection.
func (m *Manager) OnUDPClose(h dialer.Handle, reason string) { m.onHostClose(h, reason) }

func (m *Manager) onHostClose(h dialer.Handle, reason string) {
	m.mu.Lock()
	f := m.byHandle[h]
	m.mu.Unlock()
	if f == nil {
		return
	}
	m.closeFlow(f, reason)
}

// Close tears the flow down and invokes the dialer's close exactly once,
// regardless of how many times Close is called or from which side the
// teardown originated.
func (m *Manager) Close(key bufpool.FlowKey, reason string) {
	m.mu.Lock()
	f := m.flows[key]
	m.mu.Unlock()
	if f == nil {
		return
	}
	m.closeFlow(f, reason)
}

func (m *Manager) closeFlow(f *Flow, reason string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = StateClosing
		h, hasHandle, transport := f.handle, f.hasHandle, f.Key.Transport
		f.closeReason = reason
		f.mu.Unlock()

		if hasHandle {
			if transport == bufpool.TransportUDP {
				m.dialer.UDPClose(h)
			} else {
				m.dialer.TCPClose(h)
			}
		}

		f.mu.Lock()
		f.state = StateClosed
		f.mu.Unlock()

		m.mu.Lock()
		delete(m.flows, f.Key)
		if hasHandle {
			delete(m.byHandle, h)
		}
		m.mu.Unlock()

		if m.cb.OnClosed != nil {
			m.cb.OnClosed(f.Key, reason)
		}
	})
}

// Sweep closes any flow idle past its transport's timeout. Callers drive
// this from the stack's poll loop tick.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var stale []*Flow
	for _, f := range m.flows {
		if now.Sub(f.lastActivityTime()) > m.idleFor(f.Key.Transport) {
			stale = append(stale, f)
		}
	}
	m.mu.Unlock()

	for _, f := range stale {
		m.closeFlow(f, "idle_timeout")
	}
}
