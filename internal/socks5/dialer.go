// Package socks5 implements the RFC 1928 SOCKS5 server described in
// spec.md §4.13: a loopback, no-auth-only relay offering CONNECT, BIND,
// and UDP ASSOCIATE as an alternate egress mode alongside the tunnel
// engine proper. It is grounded on the teacher's CONNECT/UDP-ASSOCIATE-
// only socks5.go/socksaddr.go, generalized to the full state machine.
package socks5

import (
	"context"
	"io"
	"time"
)

// Dialer is the blocking-style outbound capability the SOCKS5 relay needs:
// unlike the engine's callback-oriented internal/dialer.Dialer (built for
// the poll loop's non-blocking contract), each per-connection SOCKS state
// machine runs on its own goroutine and wants ordinary blocking I/O to
// io.Copy against, the same shape the teacher's ProxyTCPOverOutlineWS
// relay uses over its Shadowsocks-over-WebSocket stream.
type Dialer interface {
	// DialTCP opens a TCP connection for a CONNECT request.
	DialTCP(ctx context.Context, host string, port int) (io.ReadWriteCloser, error)
	// Bind opens a passive listen socket for a BIND request. Returning any
	// error fails the request: an engineerr.DialFailed maps to the matching
	// SOCKS reply code, any other error to a general-failure reply. A dialer
	// with no listen-and-accept primitive over its transport returns an
	// error here.
	Bind(ctx context.Context, host string, port int) (BindListener, error)
	// OpenUDP opens a general, not-yet-addressed UDP session for a
	// UDP ASSOCIATE request; each relayed datagram supplies its own
	// destination via WriteTo.
	OpenUDP(ctx context.Context) (PacketConn, error)
}

// BindListener is the passive side of a SOCKS5 BIND request.
type BindListener interface {
	// Addr returns the address the host should report in the first BIND
	// reply.
	Addr() (host string, port int)
	// Accept blocks until a peer connects or ctx is cancelled.
	Accept(ctx context.Context) (conn io.ReadWriteCloser, peerHost string, peerPort int, err error)
	Close() error
}

// PacketConn is a UDP session opened for UDP ASSOCIATE: datagrams are
// addressed per-call rather than the session being bound to one peer,
// since a single client UDP association may target many destinations.
type PacketConn interface {
	WriteTo(b []byte, host string, port int) (int, error)
	ReadFrom(b []byte) (n int, host string, port int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}
