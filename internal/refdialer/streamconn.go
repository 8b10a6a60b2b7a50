package refdialer

import (
	"context"
	"net"
	"sync"
	"time"

	"tunnelengine/internal/wsconn"
)

// dummyAddr stands in for a socket address refdialer has no local concept
// of: the WebSocket upstream, not a raw TCP endpoint, is the real peer.
type dummyAddr string

func (a dummyAddr) Network() string { return "ws" }
func (a dummyAddr) String() string  { return string(a) }

// streamConn adapts a message-oriented wsconn.Conn to the byte-stream
// net.Conn shape the Shadowsocks cipher wrapper and relay code expect,
// buffering the tail of a WebSocket binary message across Read calls that
// ask for less than a full message. Grounded on the teacher's
// outline_tcp.go WSStreamConn.
type streamConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	c      wsconn.Conn

	rb        []byte
	closeOnce sync.Once
}

func newStreamConn(ctx context.Context, c wsconn.Conn) *streamConn {
	ctx, cancel := context.WithCancel(ctx)
	return &streamConn{ctx: ctx, cancel: cancel, c: c}
}

func (s *streamConn) Read(p []byte) (int, error) {
	if len(s.rb) == 0 {
		_, data, err := s.c.Read(s.ctx)
		if err != nil {
			return 0, err
		}
		s.rb = data
	}
	n := copy(p, s.rb)
	s.rb = s.rb[n:]
	return n, nil
}

func (s *streamConn) Write(p []byte) (int, error) {
	if err := s.c.Write(s.ctx, wsconn.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *streamConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.c.Close(wsconn.StatusNormalClosure, "")
	})
	return err
}

func (s *streamConn) LocalAddr() net.Addr  { return dummyAddr("ws-local") }
func (s *streamConn) RemoteAddr() net.Addr { return dummyAddr("ws-remote") }

func (s *streamConn) SetDeadline(time.Time) error      { return nil }
func (s *streamConn) SetReadDeadline(time.Time) error  { return nil }
func (s *streamConn) SetWriteDeadline(time.Time) error { return nil }
