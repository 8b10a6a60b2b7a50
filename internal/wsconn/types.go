// Package wsconn is the tunnel's WebSocket transport, grounded on the
// teacher's ws.go/ws_coder.go/ws_packet_conn.go. The teacher's RFC 8441
// (WebSocket-over-HTTP/2) and raw-H3/QPACK fallback paths are dropped: they
// exist there to route around middleboxes that block classic HTTP/1.1
// upgrades, a deployment concern out of scope for this module's dialer
// policy, which instead handles upstream reachability via
// internal/refdialer's health checks and warm standby.
package wsconn

import "context"

// MessageType matches the RFC 6455 opcodes this package cares about.
type MessageType uint8

const (
	MessageText   MessageType = 1
	MessageBinary MessageType = 2
)

// StatusCode is a WebSocket close status, RFC 6455 §7.4.
type StatusCode uint16

const (
	StatusNormalClosure StatusCode = 1000
	StatusGoingAway     StatusCode = 1001
)

// Conn is the minimal subset of a WebSocket connection this module needs:
// framed read/write plus a graceful close, independent of which underlying
// client library performs the handshake.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	// Ping round-trips a control-frame ping and blocks until the peer's pong
	// arrives or ctx expires. Used by internal/refdialer's warm-standby
	// aliveness check instead of the application-level ping/pong the teacher
	// wrote for its own transport, since coder/websocket answers pings
	// transparently at the protocol layer and never surfaces them to Read.
	Ping(ctx context.Context) error
	Close(code StatusCode, reason string) error
}
