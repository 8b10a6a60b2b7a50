// Package stack is the userspace TCP/IP engine: it reads raw IP frames off
// a tundev.Device, drives a per-flow TCP protocol control block (handshake,
// data, half-close, reset) or stateless UDP demux, and binds every flow
// through flowmanager.Manager to the host's outbound dialer. internal/packet
// remains the sniffing-oriented metadata parser; this package owns the
// sequence-number and checksum bookkeeping needed to actually speak TCP/IP
// to the tun device, the same division the teacher keeps between its
// tun_engine.go frame pump and its socks5.go/outline_tcp.go relay logic.
package stack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelengine/internal/bufpool"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/flowmanager"
	"tunnelengine/internal/metrics"
	"tunnelengine/internal/tundev"
)

const defaultPollInterval = 5 * time.Millisecond

// Options configures the poll loop and the underlying flowmanager.Manager.
type Options struct {
	MTU          int
	PollInterval time.Duration
	Flow         flowmanager.Options

	// PoolBytes caps the packet pool outbound frames are built from
	// (Configuration.MemoryBudget.PacketPoolBytes); 0 means unbounded.
	PoolBytes int64

	// WindowBytes sizes each TCP flow's advertised receive window
	// (Configuration.MemoryBudget.PerFlowBufferBytes); 0 or >64KiB-1 uses
	// the default full window.
	WindowBytes int

	// Observer, if set, is called synchronously with every IP frame the
	// engine sees in either direction, before it is otherwise acted on.
	// The provider controller uses this to feed the packet-parsing and
	// sample-stream pipeline (spec.md §2 "out-of-band" control flow)
	// without the stack needing to know about packet/stream/classifier.
	Observer func(inbound bool, frame []byte)
}

// Engine ties a tundev.Device to a flowmanager.Manager: it is both the
// source of TCP/UDP segments parsed from inbound frames and the sink for
// data/close events the manager reports back from the dialer side.
type Engine struct {
	dev     *tundev.Device
	fm      *flowmanager.Manager
	metrics *metrics.Collector
	log     *logrus.Logger
	pool    *bufpool.Pool

	mtu          int
	pollInterval time.Duration
	window       uint16

	mu       sync.Mutex
	tcpConns map[bufpool.FlowKey]*tcpConn

	observer func(inbound bool, frame []byte)

	admitted map[bufpool.FlowKey]bool

	ipID uint32

	pollIters     uint64
	framesEmitted uint64
	bytesEmitted  uint64
	lastEngine    metrics.EngineCounters // poll goroutine only

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Engine bound to dev and d. The returned Engine's Manager
// must be wired by the caller as the host's dialer.EngineSink (it already
// implements InboundConnection).
func New(dev *tundev.Device, d dialer.Dialer, opt Options, mc *metrics.Collector, log *logrus.Logger) *Engine {
	if opt.MTU <= 0 {
		opt.MTU = 1500
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = logrus.New()
	}
	window := uint16(0)
	if opt.WindowBytes > 0 && opt.WindowBytes < 65536 {
		window = uint16(opt.WindowBytes)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dev:          dev,
		metrics:      mc,
		log:          log,
		pool:         bufpool.NewPool(opt.MTU, opt.PoolBytes),
		mtu:          opt.MTU,
		pollInterval: opt.PollInterval,
		window:       window,
		tcpConns:     make(map[bufpool.FlowKey]*tcpConn),
		admitted:     make(map[bufpool.FlowKey]bool),
		observer:     opt.Observer,
		ctx:          ctx,
		cancel:       cancel,
	}
	opt.Flow.MTU = opt.MTU
	e.fm = flowmanager.New(d, flowmanager.Callbacks{
		OnAdmitted: e.onAdmitted,
		OnInbound:  e.onInbound,
		OnClosed:   e.onClosed,
	}, opt.Flow)
	return e
}

// Manager returns the flowmanager.Manager backing this engine, so the host
// can register it as its dialer.EngineSink.
func (e *Engine) Manager() *flowmanager.Manager { return e.fm }

// Run reads inbound frames from dev and drives the poll loop until ctx is
// cancelled or the device stops. It returns the terminating error, if any.
func (e *Engine) Run(ctx context.Context) error {
	frames := make(chan []byte, 256)
	go func() {
		defer close(frames)
		for {
			f, err := e.dev.Read(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		atomic.AddUint64(&e.pollIters, 1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			e.handleInboundFrame(f)
		case now := <-ticker.C:
			e.fm.Sweep(now)
			e.retransmitTick(now)
			e.publishEngineCounters()
		}
	}
}

// retransmitTick resends the oldest unacked bytes of any TCP flow whose
// retransmission timer has expired, covering both peer loss and frames the
// device dropped under backpressure (spec.md §4.3 "retransmission on
// timeout").
func (e *Engine) retransmitTick(now time.Time) {
	type pending struct {
		key  bufpool.FlowKey
		conn *tcpConn
	}
	e.mu.Lock()
	conns := make([]pending, 0, len(e.tcpConns))
	for k, c := range e.tcpConns {
		conns = append(conns, pending{key: k, conn: c})
	}
	e.mu.Unlock()

	for _, p := range conns {
		seg := p.conn.retransmit(p.key.SrcPort, p.key.DstPort, now)
		if seg == nil {
			continue
		}
		finalizeL4Checksum(seg, tcpChecksumOffset, p.key.Version, p.key.DstIP, p.key.SrcIP, byte(bufpool.TransportTCP))
		e.emitFrame(p.key.Version, p.key.DstIP, p.key.SrcIP, byte(bufpool.TransportTCP), seg)
	}
}

// publishEngineCounters folds the poll loop's cumulative counters into the
// metrics collector as deltas, once per tick, so the collector's totals
// stay cumulative without double counting.
func (e *Engine) publishEngineCounters() {
	if e.metrics == nil {
		return
	}
	fmStats := e.fm.Stats()
	devStats := e.dev.Stats()
	cur := metrics.EngineCounters{
		AdmissionFails:    fmStats.AdmissionFails,
		BackpressureDrops: devStats.InjectDrops + devStats.WriteDrops,
		PollIterations:    atomic.LoadUint64(&e.pollIters),
		FramesEmitted:     atomic.LoadUint64(&e.framesEmitted),
		BytesEmitted:      atomic.LoadUint64(&e.bytesEmitted),
		FlushEvents:       devStats.Flushes,
	}
	delta := metrics.EngineCounters{
		AdmissionFails:    cur.AdmissionFails - e.lastEngine.AdmissionFails,
		BackpressureDrops: cur.BackpressureDrops - e.lastEngine.BackpressureDrops,
		PollIterations:    cur.PollIterations - e.lastEngine.PollIterations,
		FramesEmitted:     cur.FramesEmitted - e.lastEngine.FramesEmitted,
		BytesEmitted:      cur.BytesEmitted - e.lastEngine.BytesEmitted,
		FlushEvents:       cur.FlushEvents - e.lastEngine.FlushEvents,
	}
	if delta == (metrics.EngineCounters{}) {
		return
	}
	e.lastEngine = cur
	e.metrics.RecordEngine(delta)
}

// Close releases engine-owned resources. It does not stop dev, which the
// host owns.
func (e *Engine) Close() { e.cancel() }

func (e *Engine) handleInboundFrame(frame []byte) {
	e.observe(true, frame)
	hdr, ok := parseIPHeader(frame)
	if !ok {
		e.recordError("stack: unparsable ip frame")
		return
	}
	if hdr.l4Offset+hdr.l4Length > len(frame) || hdr.l4Length < 0 {
		e.recordError("stack: truncated ip frame")
		return
	}
	l4 := frame[hdr.l4Offset : hdr.l4Offset+hdr.l4Length]

	switch hdr.protocol {
	case byte(bufpool.TransportTCP):
		e.metricsRecord(metrics.Inbound, 1, len(frame))
		e.handleTCP(hdr, l4)
	case byte(bufpool.TransportUDP):
		e.metricsRecord(metrics.Inbound, 1, len(frame))
		e.handleUDP(hdr, l4)
	default:
		// unsupported protocol (ICMP etc.): silently dropped, matching the
		// teacher's tun engine which only frames TCP/UDP toward sockets.
	}
}

func (e *Engine) handleTCP(hdr *ipHeader, l4 []byte) {
	seg, ok := parseTCPSegment(l4)
	if !ok {
		return
	}
	key := bufpool.FlowKey{
		Version:   hdr.version,
		Transport: bufpool.TransportTCP,
		SrcIP:     hdr.srcIP,
		DstIP:     hdr.dstIP,
		SrcPort:   seg.srcPort,
		DstPort:   seg.dstPort,
	}

	e.mu.Lock()
	conn := e.tcpConns[key]
	e.mu.Unlock()

	if conn == nil {
		if seg.flags&tcpSYN == 0 {
			e.sendRST(hdr, seg)
			return
		}
		conn = newTCPConn(seg.seq, e.window)
		e.mu.Lock()
		e.tcpConns[key] = conn
		e.mu.Unlock()

		if _, err := e.fm.Admit(e.ctx, key, hdr.dstIP.String(), int(seg.dstPort)); err != nil {
			e.mu.Lock()
			delete(e.tcpConns, key)
			e.mu.Unlock()
			e.recordError("stack: tcp admit: " + err.Error())
			e.sendRST(hdr, seg)
		}
		return
	}

	if seg.flags&tcpRST != 0 {
		e.mu.Lock()
		delete(e.tcpConns, key)
		e.mu.Unlock()
		e.fm.Close(key, "rst")
		return
	}

	paused := false
	if flow, ok := e.fm.Lookup(key); ok {
		paused = flow.SendPaused()
	}

	payload, ack, gotFin := conn.receive(seg.srcPort, seg.dstPort, seg, paused)
	if ack != nil {
		finalizeL4Checksum(ack, tcpChecksumOffset, hdr.version, hdr.dstIP, hdr.srcIP, byte(bufpool.TransportTCP))
		e.emitFrame(hdr.version, hdr.dstIP, hdr.srcIP, byte(bufpool.TransportTCP), ack)
	}
	if len(payload) > 0 {
		if flow, ok := e.fm.Lookup(key); ok {
			if err := e.fm.BufferOutbound(flow, payload); err != nil {
				e.recordError("stack: buffer outbound: " + err.Error())
			}
		}
	}
	if gotFin {
		e.fm.Close(key, "fin")
	}
}

func (e *Engine) handleUDP(hdr *ipHeader, l4 []byte) {
	dgram, ok := parseUDPDatagram(l4)
	if !ok {
		return
	}
	key := bufpool.FlowKey{
		Version:   hdr.version,
		Transport: bufpool.TransportUDP,
		SrcIP:     hdr.srcIP,
		DstIP:     hdr.dstIP,
		SrcPort:   dgram.srcPort,
		DstPort:   dgram.dstPort,
	}

	flow, ok := e.fm.Lookup(key)
	if !ok {
		var err error
		flow, err = e.fm.Admit(e.ctx, key, hdr.dstIP.String(), int(dgram.dstPort))
		if err != nil {
			e.recordError("stack: udp admit: " + err.Error())
			return
		}
	}
	if err := e.fm.BufferOutbound(flow, dgram.payload); err != nil {
		e.recordError("stack: buffer outbound: " + err.Error())
	}
}

// onAdmitted is the flowmanager.Callbacks hook fired once a flow's dial
// succeeds; for TCP this is the cue to emit the SYN/ACK that completes the
// host-visible handshake. UDP flows have no handshake and no PCB.
func (e *Engine) onAdmitted(key bufpool.FlowKey) {
	e.mu.Lock()
	e.admitted[key] = true
	conn := e.tcpConns[key]
	e.mu.Unlock()

	if e.metrics != nil {
		if key.Transport == bufpool.TransportTCP {
			e.metrics.AdjustActiveConnections(1, 0)
		} else {
			e.metrics.AdjustActiveConnections(0, 1)
		}
	}
	if key.Transport != bufpool.TransportTCP {
		return
	}
	if conn == nil {
		return
	}
	seg := conn.admit(key.SrcPort, key.DstPort)
	finalizeL4Checksum(seg, tcpChecksumOffset, key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportTCP))
	e.emitFrame(key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportTCP), seg)
}

// onInbound is the flowmanager.Callbacks hook delivering bytes received
// from the dialer; it frames them back onto the tun device as TCP data
// segments or a UDP datagram, whichever the flow's transport calls for.
func (e *Engine) onInbound(key bufpool.FlowKey, b []byte) {
	if key.Transport == bufpool.TransportUDP {
		l4 := buildUDPDatagram(key.DstPort, key.SrcPort, b)
		finalizeL4Checksum(l4, udpChecksumOffset, key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportUDP))
		e.emitFrame(key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportUDP), l4)
		e.metricsRecord(metrics.Outbound, 1, len(l4))
		return
	}

	e.mu.Lock()
	conn := e.tcpConns[key]
	e.mu.Unlock()
	if conn == nil {
		return
	}
	for _, seg := range conn.emitData(key.SrcPort, key.DstPort, b) {
		finalizeL4Checksum(seg, tcpChecksumOffset, key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportTCP))
		e.emitFrame(key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportTCP), seg)
		e.metricsRecord(metrics.Outbound, 1, len(seg))
	}
}

// onClosed is the flowmanager.Callbacks hook fired exactly once per flow
// however it was torn down; for TCP it emits the FIN/ACK that closes the
// host-visible connection and drops the PCB.
func (e *Engine) onClosed(key bufpool.FlowKey, reason string) {
	e.mu.Lock()
	wasAdmitted := e.admitted[key]
	delete(e.admitted, key)
	conn := e.tcpConns[key]
	delete(e.tcpConns, key)
	e.mu.Unlock()

	if wasAdmitted && e.metrics != nil {
		if key.Transport == bufpool.TransportTCP {
			e.metrics.AdjustActiveConnections(-1, 0)
		} else {
			e.metrics.AdjustActiveConnections(0, -1)
		}
	}
	if key.Transport != bufpool.TransportTCP {
		return
	}
	if conn == nil {
		return
	}
	if seg := conn.closeWith(key.SrcPort, key.DstPort); seg != nil {
		finalizeL4Checksum(seg, tcpChecksumOffset, key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportTCP))
		e.emitFrame(key.Version, key.DstIP, key.SrcIP, byte(bufpool.TransportTCP), seg)
	}
}

func (e *Engine) sendRST(hdr *ipHeader, seg *tcpSegment) {
	ackNum := seg.seq
	if seg.flags&tcpSYN != 0 {
		ackNum++
	}
	ackNum += uint32(len(seg.payload))
	rst := buildTCPSegment(seg.dstPort, seg.srcPort, 0, ackNum, tcpRST|tcpACK, 0, nil)
	finalizeL4Checksum(rst, tcpChecksumOffset, hdr.version, hdr.dstIP, hdr.srcIP, byte(bufpool.TransportTCP))
	e.emitFrame(hdr.version, hdr.dstIP, hdr.srcIP, byte(bufpool.TransportTCP), rst)
}

// emitFrame frames l4 with an IP header built from the packet pool, hands
// it to the tun device (which copies it for AF-prefixing), and returns the
// buffer to the pool. A pool past its byte budget drops the frame with a
// counter bump instead of allocating (spec.md §5).
func (e *Engine) emitFrame(version bufpool.IPVersion, src, dst bufpool.IPAddr, protocol byte, l4 []byte) {
	hdrLen := 20
	if version == bufpool.IPv6 {
		hdrLen = 40
	}
	buf := e.pool.Get(hdrLen + len(l4))
	if buf == nil {
		e.recordError("stack: packet pool exhausted")
		return
	}
	defer e.pool.Put(buf)

	var frame []byte
	if version == bufpool.IPv4 {
		frame = buildIPv4Into(buf, src, dst, protocol, e.nextIPID(), l4)
	} else {
		frame = buildIPv6Into(buf, src, dst, protocol, l4)
	}
	e.observe(false, frame)
	if err := e.dev.Write(frame); err != nil {
		e.recordError("stack: tun write: " + err.Error())
		return
	}
	atomic.AddUint64(&e.framesEmitted, 1)
	atomic.AddUint64(&e.bytesEmitted, uint64(len(frame)))
}

func (e *Engine) observe(inbound bool, frame []byte) {
	if e.observer != nil {
		e.observer(inbound, frame)
	}
}

func (e *Engine) nextIPID() uint16 {
	return uint16(atomic.AddUint32(&e.ipID, 1))
}

func (e *Engine) recordError(msg string) {
	if e.metrics != nil {
		e.metrics.RecordError(msg)
	}
	if e.log != nil {
		e.log.Debug(msg)
	}
}

func (e *Engine) metricsRecord(dir metrics.Direction, packets uint64, bytes int) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(dir, packets, uint64(bytes))
}
