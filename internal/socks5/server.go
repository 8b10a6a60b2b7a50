package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelengine/internal/engineerr"
)

const (
	maxConnBytes    = 64 * 1024
	maxUDPDatagram  = 65535
	udpReadDeadline = 500 * time.Millisecond
)

// Server is the loopback SOCKS5 relay of spec.md §4.13. start/stop are
// both idempotent; start retries once on EADDRINUSE with an OS-assigned
// port.
type Server struct {
	dialer Dialer
	log    *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Server that dials outbound connections through d.
func New(d Dialer, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{dialer: d, log: log}
}

// Start binds port, retrying on EADDRINUSE with port 0 (OS-assigned), and
// returns the bound port. Calling Start on an already-started server
// returns the existing bound port without rebinding.
func (s *Server) Start(ctx context.Context, port int) (int, error) {
	s.mu.Lock()
	if s.listener != nil {
		p := s.listener.Addr().(*net.TCPAddr).Port
		s.mu.Unlock()
		return p, nil
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil && isAddrInUse(err) {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.listener = ln
	s.stopCh = make(chan struct{})
	s.stopped = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop closes the listener and waits for every in-flight connection
// handler to return. A second call is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.listener
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	s.mu.Lock()
	ln, stopCh := s.listener, s.stopCh
	s.mu.Unlock()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			s.log.WithError(err).Debug("socks5: accept")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}()
	}
}

// handleConn runs one connection's state machine end to end, per
// spec.md §4.13: greeting, request, then the command-specific relay.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	cr := &capReader{r: c, max: maxConnBytes}
	if err := greet(cr, c); err != nil {
		s.log.WithError(err).Debug("socks5: greeting")
		return
	}

	cmd, host, port, err := readRequest(cr)
	if err != nil {
		_ = writeReply(c, repGeneralFailure, "", 0)
		return
	}

	switch cmd {
	case cmdConnect:
		s.handleConnect(ctx, c, host, port)
	case cmdBind:
		s.handleBind(ctx, c, host, port)
	case cmdUDPAssociate:
		s.handleUDPAssociate(ctx, c)
	default:
		_ = writeReply(c, repCommandNotSupported, "", 0)
	}
}

func (s *Server) handleConnect(ctx context.Context, c net.Conn, host string, port int) {
	rc, err := s.dialer.DialTCP(ctx, host, port)
	if err != nil {
		_ = writeReply(c, classifyDialErr(err), "", 0)
		return
	}
	defer rc.Close()

	if err := writeReply(c, repSuccess, "0.0.0.0", 0); err != nil {
		return
	}
	relay(c, rc)
}

func (s *Server) handleBind(ctx context.Context, c net.Conn, host string, port int) {
	ln, err := s.dialer.Bind(ctx, host, port)
	if err != nil {
		_ = writeReply(c, classifyDialErr(err), "", 0)
		return
	}
	defer ln.Close()

	bindHost, bindPort := ln.Addr()
	if err := writeReply(c, repSuccess, bindHost, bindPort); err != nil {
		return
	}

	rc, peerHost, peerPort, err := ln.Accept(ctx)
	if err != nil {
		_ = writeReply(c, repGeneralFailure, "", 0)
		return
	}
	defer rc.Close()

	if err := writeReply(c, repSuccess, peerHost, peerPort); err != nil {
		return
	}
	relay(c, rc)
}

func (s *Server) handleUDPAssociate(ctx context.Context, c net.Conn) {
	pc, err := s.dialer.OpenUDP(ctx)
	if err != nil {
		_ = writeReply(c, classifyDialErr(err), "", 0)
		return
	}
	defer pc.Close()

	relayLn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		_ = writeReply(c, repGeneralFailure, "", 0)
		return
	}
	defer relayLn.Close()

	bindAddr := relayLn.LocalAddr().(*net.UDPAddr)
	if err := writeReply(c, repSuccess, "127.0.0.1", bindAddr.Port); err != nil {
		return
	}

	rel := &udpRelay{}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pumpClientToRemote(relayLn, pc, rel, stop) }()
	go func() { defer wg.Done(); pumpRemoteToClient(relayLn, pc, rel, stop) }()

	// Control connection stays open until the client closes it or a read
	// error occurs; that is the UDP association's lifetime.
	buf := make([]byte, 1)
	for {
		if _, err := c.Read(buf); err != nil {
			break
		}
	}
	close(stop)
	wg.Wait()
}

// relay pipes a and b in both directions, half-closing (or fully closing,
// if the connection doesn't support CloseWrite) the destination side once
// its source reaches EOF, matching spec.md's FIN-not-RST teardown.
func relay(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	pipe := func(dst, src io.ReadWriteCloser) {
		_, _ = io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
		done <- struct{}{}
	}
	go pipe(b, a)
	go pipe(a, b)
	<-done
	<-done
}

type udpRelay struct {
	mu     sync.Mutex
	client net.Addr
}

func (r *udpRelay) setClient(a net.Addr) {
	r.mu.Lock()
	r.client = a
	r.mu.Unlock()
}

func (r *udpRelay) getClient() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func pumpClientToRemote(relayLn net.PacketConn, pc PacketConn, rel *udpRelay, stop chan struct{}) {
	buf := make([]byte, maxUDPDatagram)
	for {
		select {
		case <-stop:
			return
		default:
		}
		_ = relayLn.SetReadDeadline(time.Now().Add(udpReadDeadline))
		n, addr, err := relayLn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		rel.setClient(addr)
		host, port, payload, err := decodeUDPHeader(buf[:n])
		if err != nil {
			continue
		}
		_, _ = pc.WriteTo(payload, host, port)
	}
}

func pumpRemoteToClient(relayLn net.PacketConn, pc PacketConn, rel *udpRelay, stop chan struct{}) {
	buf := make([]byte, maxUDPDatagram)
	for {
		select {
		case <-stop:
			return
		default:
		}
		_ = pc.SetReadDeadline(time.Now().Add(udpReadDeadline))
		n, host, port, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		client := rel.getClient()
		if client == nil {
			continue
		}
		wrapped := encodeUDPHeader(host, port, buf[:n])
		_, _ = relayLn.WriteTo(wrapped, client)
	}
}

// capReader enforces the per-connection 64 KiB hard cap on the
// greeting/request bytes of spec.md §4.13.
type capReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.n >= c.max {
		return 0, errInputCapExceeded
	}
	if int64(len(p)) > c.max-c.n {
		p = p[:c.max-c.n]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func classifyDialErr(err error) byte {
	var de *engineerr.DialFailed
	if errors.As(err, &de) {
		switch de.Kind {
		case engineerr.DialHostUnreachable:
			return repHostUnreachable
		case engineerr.DialRefused:
			return repConnectionRefused
		case engineerr.DialTimeout:
			return repTTLExpired
		case engineerr.DialBlocked:
			return repConnectionNotAllowed
		}
	}
	return repGeneralFailure
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use")
}
