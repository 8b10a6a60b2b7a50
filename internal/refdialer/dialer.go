package refdialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	enginedialer "tunnelengine/internal/dialer"
	"tunnelengine/internal/shadowsocks"
	"tunnelengine/internal/socks5"
	"tunnelengine/internal/wsconn"
)

var errDialerClosed = errors.New("refdialer: dialer closed")

// Dialer tunnels outbound TCP and UDP through a LoadBalancer-selected
// Shadowsocks-over-WebSocket upstream. It implements both
// internal/dialer.Dialer — the Handle-based, callback-oriented surface the
// engine's poll loop drives — and internal/socks5.Dialer — the blocking,
// io.ReadWriteCloser-based surface the SOCKS5 relay drives — because the
// same upstream pool and selection policy backs both egress paths.
type Dialer struct {
	lb     *LoadBalancer
	sink   enginedialer.InboundConnection
	shaper *rate.Limiter

	mu      sync.Mutex
	closed  bool
	conns   map[enginedialer.Handle]*tcpSession
	udpSess map[enginedialer.Handle]*udpSession
	nextH   enginedialer.Handle
}

// NewDialer builds a Dialer over lb. sink receives inbound data and close
// notifications for handles opened through the engine-facing interface; it
// may be nil for a Dialer that will only be used as a socks5.Dialer.
// bytesPerSecond/burstBytes implement config.Policies.TrafficShapingRules
// (spec.md §6 expansion) when non-zero.
func NewDialer(lb *LoadBalancer, sink enginedialer.InboundConnection, bytesPerSecond, burstBytes int64) *Dialer {
	d := &Dialer{
		lb:      lb,
		sink:    sink,
		conns:   make(map[enginedialer.Handle]*tcpSession),
		udpSess: make(map[enginedialer.Handle]*udpSession),
	}
	if bytesPerSecond > 0 {
		burst := int(burstBytes)
		if burst <= 0 {
			burst = int(bytesPerSecond)
		}
		d.shaper = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}
	return d
}

func (d *Dialer) shape(ctx context.Context, n int) {
	if d.shaper == nil {
		return
	}
	_ = d.shaper.WaitN(ctx, n)
}

// openTCPStream picks an upstream, dials (or reuses a warm standby)
// connection to it, wraps the result in the Shadowsocks cipher, and writes
// the target address header, returning a ready-to-use byte stream.
func (d *Dialer) openTCPStream(ctx context.Context, host string, port int) (net.Conn, *upstreamState, error) {
	up, err := d.lb.PickTCP()
	if err != nil {
		return nil, nil, err
	}

	wsc, err := d.lb.AcquireTCPWS(ctx, up)
	if err != nil {
		d.lb.ReportTCPFailure(up, err)
		return nil, up, err
	}

	ciph, err := shadowsocks.NewCipher(up.cfg.Cipher, up.cfg.Secret)
	if err != nil {
		_ = wsc.Close(wsconn.StatusNormalClosure, "")
		return nil, up, err
	}

	conn := shadowsocks.NewConn(newStreamConn(ctx, wsc), ciph, true)
	target, err := shadowsocks.ParseAddr(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		conn.Close()
		return nil, up, err
	}
	if _, err := conn.Write(target); err != nil {
		conn.Close()
		d.lb.ReportTCPFailure(up, err)
		return nil, up, err
	}
	return conn, up, nil
}

// DialTCP implements socks5.Dialer: a blocking CONNECT-style dial returning
// an ordinary io.ReadWriteCloser the relay pumps with io.Copy.
func (d *Dialer) DialTCP(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	conn, _, err := d.openTCPStream(ctx, host, port)
	return conn, err
}

// Bind implements socks5.Dialer. The reference dialer has no way to ask a
// Shadowsocks-over-WebSocket upstream to listen on our behalf, so BIND is
// unsupported here; the relay reports a SOCKS general-failure reply.
func (d *Dialer) Bind(ctx context.Context, host string, port int) (socks5.BindListener, error) {
	return nil, errors.New("refdialer: BIND unsupported")
}

// OpenUDP implements socks5.Dialer.
func (d *Dialer) OpenUDP(ctx context.Context) (socks5.PacketConn, error) {
	up, err := d.lb.PickUDP()
	if err != nil {
		return nil, err
	}
	wsc, err := wsconn.Dial(ctx, up.cfg.UDPWSS, d.lb.fwmark)
	if err != nil {
		d.lb.ReportUDPFailure(up, err)
		return nil, err
	}
	ciph, err := shadowsocks.NewCipher(up.cfg.Cipher, up.cfg.Secret)
	if err != nil {
		_ = wsc.Close(wsconn.StatusNormalClosure, "")
		return nil, err
	}
	return &blockingUDPSession{ctx: ctx, dialer: d, up: up, c: wsc, ciph: ciph}, nil
}

// blockingUDPSession implements socks5.PacketConn over one Shadowsocks UDP
// relay connection.
type blockingUDPSession struct {
	ctx    context.Context
	dialer *Dialer
	up     *upstreamState
	c      wsconn.Conn
	ciph   shadowsocks.Cipher
}

func (u *blockingUDPSession) WriteTo(b []byte, host string, port int) (int, error) {
	addr, err := shadowsocks.ParseAddr(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, err
	}
	plain := append(addr, b...)
	encrypted := make([]byte, len(plain)+u.ciph.SaltSize()+u.ciph.NonceSize()+16)
	n, err := u.ciph.Encrypt(encrypted, plain)
	if err != nil {
		return 0, err
	}
	if err := u.c.Write(u.ctx, wsconn.MessageBinary, encrypted[:n]); err != nil {
		u.dialer.lb.ReportUDPFailure(u.up, err)
		return 0, err
	}
	return len(b), nil
}

func (u *blockingUDPSession) ReadFrom(b []byte) (int, string, int, error) {
	_, data, err := u.c.Read(u.ctx)
	if err != nil {
		return 0, "", 0, err
	}
	plain := make([]byte, len(data))
	n, err := u.ciph.Decrypt(plain, data)
	if err != nil {
		return 0, "", 0, err
	}
	host, port, off, err := parseAddrPrefix(plain[:n])
	if err != nil {
		return 0, "", 0, err
	}
	copied := copy(b, plain[off:n])
	return copied, host, port, nil
}

func (u *blockingUDPSession) SetReadDeadline(t time.Time) error { return nil }
func (u *blockingUDPSession) Close() error                      { return u.c.Close(wsconn.StatusNormalClosure, "") }

// tcpSession is a Handle-backed TCP flow opened through the engine-facing
// OutboundTCP surface.
type tcpSession struct {
	conn net.Conn
	up   *upstreamState
}

// udpSession is a Handle-backed UDP session. Shadowsocks UDP addresses
// every datagram individually, so the flow's fixed destination (recorded
// at UDPDial time) is prepended to each outgoing payload.
type udpSession struct {
	c    wsconn.Conn
	ciph shadowsocks.Cipher
	up   *upstreamState
	addr []byte // shadowsocks target-address header for this flow
}

// TCPDial implements enginedialer.OutboundTCP: it opens the stream, then
// spawns a read pump delivering inbound bytes to the sink until the stream
// errors or Close is called.
func (d *Dialer) TCPDial(ctx context.Context, host string, port int) (enginedialer.Handle, error) {
	conn, up, err := d.openTCPStream(ctx, host, port)
	if err != nil {
		kind := enginedialer.ErrHostUnreachable
		return 0, &enginedialer.DialError{Kind: kind, Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrCancelled, Err: errDialerClosed}
	}
	d.nextH++
	h := d.nextH
	d.conns[h] = &tcpSession{conn: conn, up: up}
	d.mu.Unlock()

	go d.pumpTCP(h, conn)
	return h, nil
}

func (d *Dialer) pumpTCP(h enginedialer.Handle, conn net.Conn) {
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 && d.sink != nil {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			d.sink.OnTCPReceive(h, cp)
		}
		if err != nil {
			reason := "eof"
			if err != io.EOF {
				reason = err.Error()
			}
			d.closeTCPHandle(h, reason, true)
			return
		}
	}
}

func (d *Dialer) closeTCPHandle(h enginedialer.Handle, reason string, notify bool) {
	d.mu.Lock()
	s, ok := d.conns[h]
	if ok {
		delete(d.conns, h)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	s.conn.Close()
	if notify && d.sink != nil {
		d.sink.OnTCPClose(h, reason)
	}
}

// TCPWrite implements enginedialer.OutboundTCP.
func (d *Dialer) TCPWrite(h enginedialer.Handle, b []byte) (int, error) {
	d.mu.Lock()
	s, ok := d.conns[h]
	d.mu.Unlock()
	if !ok {
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrCancelled}
	}
	d.shape(context.Background(), len(b))
	n, err := s.conn.Write(b)
	if err != nil {
		d.lb.ReportTCPFailure(s.up, err)
	}
	return n, err
}

// TCPClose implements enginedialer.OutboundTCP.
func (d *Dialer) TCPClose(h enginedialer.Handle) { d.closeTCPHandle(h, "closed", false) }

// UDPDial implements enginedialer.OutboundUDP: Shadowsocks UDP has no
// handshake, so this just reserves a Handle and opens the relay
// connection; the first real datagram is sent as the first UDPWrite.
func (d *Dialer) UDPDial(ctx context.Context, host string, port int) (enginedialer.Handle, error) {
	up, err := d.lb.PickUDP()
	if err != nil {
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrHostUnreachable, Err: err}
	}
	wsc, err := wsconn.Dial(ctx, up.cfg.UDPWSS, d.lb.fwmark)
	if err != nil {
		d.lb.ReportUDPFailure(up, err)
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrHostUnreachable, Err: err}
	}
	ciph, err := shadowsocks.NewCipher(up.cfg.Cipher, up.cfg.Secret)
	if err != nil {
		_ = wsc.Close(wsconn.StatusNormalClosure, "")
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrHostUnreachable, Err: err}
	}
	addr, err := shadowsocks.ParseAddr(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		_ = wsc.Close(wsconn.StatusNormalClosure, "")
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrHostUnreachable, Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = wsc.Close(wsconn.StatusNormalClosure, "")
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrCancelled, Err: errDialerClosed}
	}
	d.nextH++
	h := d.nextH
	sess := &udpSession{c: wsc, ciph: ciph, up: up, addr: addr}
	d.udpSess[h] = sess
	d.mu.Unlock()

	go d.pumpUDP(h, sess)
	return h, nil
}

func (d *Dialer) pumpUDP(h enginedialer.Handle, sess *udpSession) {
	buf := make([]byte, 64*1024)
	for {
		_, data, err := sess.c.Read(context.Background())
		if err != nil {
			d.closeUDPHandle(h, err.Error(), true)
			return
		}
		n, err := sess.ciph.Decrypt(buf, data)
		if err != nil {
			continue
		}
		_, _, off, err := parseAddrPrefix(buf[:n])
		if err != nil {
			continue
		}
		if d.sink != nil {
			cp := make([]byte, n-off)
			copy(cp, buf[off:n])
			d.sink.OnUDPReceive(h, cp)
		}
	}
}

func (d *Dialer) closeUDPHandle(h enginedialer.Handle, reason string, notify bool) {
	d.mu.Lock()
	s, ok := d.udpSess[h]
	if ok {
		delete(d.udpSess, h)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = s.c.Close(wsconn.StatusNormalClosure, "")
	if notify && d.sink != nil {
		d.sink.OnUDPClose(h, reason)
	}
}

// UDPWrite implements enginedialer.OutboundUDP: b is the raw datagram
// payload; the flow's fixed destination (recorded at UDPDial time) is
// prepended as the Shadowsocks target-address header before encryption.
func (d *Dialer) UDPWrite(h enginedialer.Handle, b []byte) (int, error) {
	d.mu.Lock()
	s, ok := d.udpSess[h]
	d.mu.Unlock()
	if !ok {
		return 0, &enginedialer.DialError{Kind: enginedialer.ErrCancelled}
	}
	d.shape(context.Background(), len(b))
	plain := make([]byte, 0, len(s.addr)+len(b))
	plain = append(plain, s.addr...)
	plain = append(plain, b...)
	encrypted := make([]byte, len(plain)+s.ciph.SaltSize()+s.ciph.NonceSize()+16)
	n, err := s.ciph.Encrypt(encrypted, plain)
	if err != nil {
		return 0, err
	}
	if err := s.c.Write(context.Background(), wsconn.MessageBinary, encrypted[:n]); err != nil {
		d.lb.ReportUDPFailure(s.up, err)
		return 0, err
	}
	return len(b), nil
}

// UDPClose implements enginedialer.OutboundUDP.
func (d *Dialer) UDPClose(h enginedialer.Handle) { d.closeUDPHandle(h, "closed", false) }

// Close tears down every open session; further Dial calls fail with
// errDialerClosed.
func (d *Dialer) Close() {
	d.mu.Lock()
	d.closed = true
	conns := d.conns
	d.conns = make(map[enginedialer.Handle]*tcpSession)
	udp := d.udpSess
	d.udpSess = make(map[enginedialer.Handle]*udpSession)
	d.mu.Unlock()

	for _, s := range conns {
		s.conn.Close()
	}
	for _, s := range udp {
		_ = s.c.Close(wsconn.StatusNormalClosure, "shutdown")
	}
}
