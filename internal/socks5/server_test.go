package socks5

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newEchoRemote starts a loopback TCP echo server and returns the client
// side of a connection to it, standing in for a DialTCP("remote") result:
// bytes written to the returned conn are read by the accepted peer and
// written straight back, so the returned conn itself behaves like an
// echoing remote socket.
func newEchoRemote(t *testing.T) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return conn
}

type fakeDialer struct {
	conn net.Conn
	err  error
}

func (d *fakeDialer) DialTCP(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}
func (d *fakeDialer) Bind(ctx context.Context, host string, port int) (BindListener, error) {
	return nil, errUnsupportedATYP
}
func (d *fakeDialer) OpenUDP(ctx context.Context) (PacketConn, error) {
	return newFakeUDPSession(), nil
}

var _ Dialer = (*fakeDialer)(nil)

// fakeUDPSession loops a single fixed "echo" reply back for every inbound
// datagram, simulating a remote resolver/echo service.
type fakeUDPSession struct {
	in  chan []byte
	out chan []byte
}

func newFakeUDPSession() *fakeUDPSession {
	s := &fakeUDPSession{in: make(chan []byte, 4), out: make(chan []byte, 4)}
	go func() {
		for b := range s.in {
			reply := append([]byte("echo:"), b...)
			s.out <- reply
		}
	}()
	return s
}

func (s *fakeUDPSession) WriteTo(b []byte, host string, port int) (int, error) {
	cp := append([]byte(nil), b...)
	s.in <- cp
	return len(b), nil
}

func (s *fakeUDPSession) ReadFrom(b []byte) (int, string, int, error) {
	select {
	case r := <-s.out:
		n := copy(b, r)
		return n, "203.0.113.9", 9999, nil
	case <-time.After(2 * time.Second):
		return 0, "", 0, &net.OpError{Op: "read", Err: errTimeout{}}
	}
}

func (s *fakeUDPSession) SetReadDeadline(t time.Time) error { return nil }
func (s *fakeUDPSession) Close() error                      { close(s.in); return nil }

type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

func dialLocal(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	return c
}

func TestConnectRelaysBothDirections(t *testing.T) {
	echo := newEchoRemote(t)
	defer echo.Close()

	srv := New(&fakeDialer{conn: echo}, nil)
	port, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)
	defer srv.Stop()

	conn := dialLocal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	method := make([]byte, 2)
	_, err = io.ReadFull(conn, method)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), method[1])

	req := []byte{0x05, cmdConnect, 0x00, atypIPv4, 93, 184, 216, 34, 0, 80}
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1])

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestConnectDialFailureRepliesFailure(t *testing.T) {
	srv := New(&fakeDialer{err: errUnsupportedATYP}, nil)
	port, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)
	defer srv.Stop()

	conn := dialLocal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	defer conn.Close()

	_, _ = conn.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	_, _ = io.ReadFull(conn, method)

	req := []byte{0x05, cmdConnect, 0x00, atypIPv4, 1, 2, 3, 4, 0, 1}
	_, _ = conn.Write(req)

	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.NotEqual(t, byte(0x00), reply[1])
}

// recordingDialer captures the CONNECT target and what was written to the
// outbound connection.
type recordingDialer struct {
	fakeDialer
	host string
	port int
}

func (d *recordingDialer) DialTCP(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	d.host = host
	d.port = port
	return d.fakeDialer.DialTCP(ctx, host, port)
}

func TestConnectByDomainName(t *testing.T) {
	echo := newEchoRemote(t)
	defer echo.Close()

	d := &recordingDialer{fakeDialer: fakeDialer{conn: echo}}
	srv := New(d, nil)
	port, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)
	defer srv.Stop()

	conn := dialLocal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	defer conn.Close()

	_, _ = conn.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	_, err = io.ReadFull(conn, method)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, method)

	req := []byte{0x05, cmdConnect, 0x00, atypDomain, byte(len("example.com"))}
	req = append(req, "example.com"...)
	req = append(req, 0x00, 0x50)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf)

	require.Equal(t, "example.com", d.host)
	require.Equal(t, 80, d.port)
}

func TestGreetingWithoutNoAuthRejected(t *testing.T) {
	srv := New(&fakeDialer{}, nil)
	port, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)
	defer srv.Stop()

	conn := dialLocal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	defer conn.Close()

	_, _ = conn.Write([]byte{0x05, 0x01, 0x02}) // only username/password offered
	method := make([]byte, 2)
	_, err = io.ReadFull(conn, method)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0xFF}, method)
}

func TestStartIsIdempotentAndStopIsIdempotent(t *testing.T) {
	srv := New(&fakeDialer{}, nil)
	port, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)

	again, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, port, again)

	srv.Stop()
	srv.Stop()
}

func TestStartRetriesOnAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	srv := New(&fakeDialer{}, nil)
	port, err := srv.Start(context.Background(), busy)
	require.NoError(t, err)
	defer srv.Stop()
	require.NotZero(t, port)
	require.NotEqual(t, busy, port)
}

func TestUDPAssociateRoundTrip(t *testing.T) {
	srv := New(&fakeDialer{}, nil)
	port, err := srv.Start(context.Background(), 0)
	require.NoError(t, err)
	defer srv.Stop()

	conn := dialLocal(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	defer conn.Close()

	_, _ = conn.Write([]byte{0x05, 0x01, 0x00})
	method := make([]byte, 2)
	_, _ = io.ReadFull(conn, method)

	req := []byte{0x05, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(req)

	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1])
	relayPort := binary.BigEndian.Uint16(reply[8:10])
	require.NotZero(t, relayPort)

	udpConn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(relayPort))))
	require.NoError(t, err)
	defer udpConn.Close()

	hdr := encodeUDPHeader("8.8.8.8", 53, []byte("hello"))
	_, err = udpConn.Write(hdr)
	require.NoError(t, err)

	_ = udpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := udpConn.Read(buf)
	require.NoError(t, err)

	host, p, payload, err := decodeUDPHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, "203.0.113.9", host)
	require.Equal(t, 9999, p)
	require.Equal(t, "echo:hello", string(payload))
}
