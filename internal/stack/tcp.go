package stack

import (
	"math/rand"
	"sync"
	"time"
)

// TCP flag bits, per RFC 793 byte 13 of the header.
const (
	tcpFIN byte = 1 << 0
	tcpSYN byte = 1 << 1
	tcpRST byte = 1 << 2
	tcpPSH byte = 1 << 3
	tcpACK byte = 1 << 4
	tcpURG byte = 1 << 5
)

const (
	defaultWindow   = 65535
	maxSegmentBytes = 1380 // leaves room for IPv6+TCP headers under a 1500 MTU

	retransmitTimeout = 500 * time.Millisecond
)

// tcpSegment is the L4 view of a TCP header the sniffing-oriented
// internal/packet package doesn't expose: sequence numbers, flags, and
// window, which the poll loop's PCB needs to drive the handshake and
// flow control.
type tcpSegment struct {
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            byte
	window           uint16
	payload          []byte
}

func parseTCPSegment(b []byte) (*tcpSegment, bool) {
	if len(b) < 20 {
		return nil, false
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < 20 || dataOffset > len(b) {
		return nil, false
	}
	return &tcpSegment{
		srcPort: uint16(b[0])<<8 | uint16(b[1]),
		dstPort: uint16(b[2])<<8 | uint16(b[3]),
		seq:     uint32(b[4])<<24 | uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		ack:     uint32(b[8])<<24 | uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11]),
		flags:   b[13],
		window:  uint16(b[14])<<8 | uint16(b[15]),
		payload: b[dataOffset:],
	}, true
}

func buildTCPSegment(srcPort, dstPort uint16, seq, ack uint32, flags byte, window uint16, payload []byte) []byte {
	b := make([]byte, 20+len(payload))
	b[0] = byte(srcPort >> 8)
	b[1] = byte(srcPort)
	b[2] = byte(dstPort >> 8)
	b[3] = byte(dstPort)
	b[4] = byte(seq >> 24)
	b[5] = byte(seq >> 16)
	b[6] = byte(seq >> 8)
	b[7] = byte(seq)
	b[8] = byte(ack >> 24)
	b[9] = byte(ack >> 16)
	b[10] = byte(ack >> 8)
	b[11] = byte(ack)
	b[12] = 5 << 4 // data offset, no options
	b[13] = flags
	b[14] = byte(window >> 8)
	b[15] = byte(window)
	copy(b[20:], payload)
	return b
}

// tcpState is the PCB's admission-adjacent handshake state. It tracks only
// what the poll loop needs to decide which segment to emit next; the
// authoritative flow lifecycle (Pending/Admitted/Closing/Closed) lives in
// flowmanager.Flow.
type tcpState int

const (
	tcpSynRcvd tcpState = iota
	tcpEstablished
	tcpFinWait
	tcpClosed
)

// tcpConn is one TCP flow's protocol control block: the sequence-number
// bookkeeping the stack needs to speak TCP to the tun device while the
// matching flowmanager.Flow tracks admission and dial state on the other
// side of the proxy.
type tcpConn struct {
	mu sync.Mutex

	state tcpState
	wnd   uint16 // advertised receive window

	iss uint32 // our initial sequence number
	irs uint32 // peer's initial sequence number

	sndUna uint32 // oldest unacked byte we've sent
	sndNxt uint32 // next sequence number we'll use
	rcvNxt uint32 // next sequence number we expect from the peer

	// sndBuf holds unacked payload bytes so a segment the device dropped
	// (or the peer lost) can be resent when the retransmission timer
	// fires; sndBufSeq is the sequence number of sndBuf[0], kept separate
	// from sndUna because SYN/FIN consume sequence slots without payload.
	sndBuf      []byte
	sndBufSeq   uint32
	rtoDeadline time.Time

	finSent  bool
	finRecvd bool
	lastBeat time.Time
}

func newTCPConn(irs uint32, wnd uint16) *tcpConn {
	if wnd == 0 {
		wnd = defaultWindow
	}
	return &tcpConn{
		state:    tcpSynRcvd,
		wnd:      wnd,
		irs:      irs,
		rcvNxt:   irs + 1,
		lastBeat: time.Now(),
	}
}

func generateISN() uint32 {
	return rand.Uint32()
}

// admit transitions the PCB from synRcvd to established once the engine
// learns the matching flow's outbound dial succeeded, and returns the
// SYN/ACK segment to emit.
func (c *tcpConn) admit(srcPort, dstPort uint16) []byte {
	c.mu.Lock()
	c.iss = generateISN()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.state = tcpEstablished
	seg := buildTCPSegment(dstPort, srcPort, c.iss, c.rcvNxt, tcpSYN|tcpACK, c.wnd, nil)
	c.mu.Unlock()
	return seg
}

// receive folds an inbound segment from the tun device into the PCB,
// returning any payload that should be forwarded to the dialer and the ACK
// segment (if any) the engine should emit in response. windowPaused mirrors
// the flow's SendPaused backpressure flag: while true, the advertised
// window collapses to zero instead of advancing.
func (c *tcpConn) receive(srcPort, dstPort uint16, seg *tcpSegment, windowPaused bool) (payload []byte, ack []byte, gotFin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBeat = time.Now()

	if seg.flags&tcpRST != 0 {
		c.state = tcpClosed
		return nil, nil, false
	}

	advanced := false
	refusedPayload := false
	if len(seg.payload) > 0 && seg.seq == c.rcvNxt {
		if windowPaused {
			// Backpressured: leave rcvNxt untouched so the peer retransmits
			// once the window reopens; a duplicate ACK with a zero window
			// tells it to stop sending.
			refusedPayload = true
		} else {
			c.rcvNxt += uint32(len(seg.payload))
			payload = seg.payload
			advanced = true
		}
	}
	if seg.flags&tcpFIN != 0 && !c.finRecvd && !refusedPayload {
		c.finRecvd = true
		c.rcvNxt++
		gotFin = true
		advanced = true
	}
	if seg.flags&tcpACK != 0 && seg.ack-c.sndUna <= c.sndNxt-c.sndUna {
		if len(c.sndBuf) > 0 {
			// +1 allows the ACK to also cover our FIN's sequence slot; a
			// wrapped (stale) ACK lands far outside this range and is ignored.
			if dataAcked := seg.ack - c.sndBufSeq; dataAcked > 0 && dataAcked <= uint32(len(c.sndBuf))+1 {
				if n := int(dataAcked); n >= len(c.sndBuf) {
					c.sndBufSeq += uint32(len(c.sndBuf))
					c.sndBuf = nil
					c.rtoDeadline = time.Time{}
				} else {
					c.sndBuf = c.sndBuf[n:]
					c.sndBufSeq += uint32(n)
					c.rtoDeadline = time.Now().Add(retransmitTimeout)
				}
			}
		}
		c.sndUna = seg.ack
	}

	if advanced || refusedPayload {
		win := c.wnd
		if windowPaused {
			win = 0
		}
		ack = buildTCPSegment(dstPort, srcPort, c.sndNxt, c.rcvNxt, tcpACK, win, nil)
	}
	return payload, ack, gotFin
}

// emitData builds one or more data segments carrying b, chunked to
// maxSegmentBytes, advancing sndNxt as it goes.
func (c *tcpConn) emitData(srcPort, dstPort uint16, b []byte) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == tcpClosed {
		return nil
	}
	if len(c.sndBuf) == 0 {
		c.sndBufSeq = c.sndNxt
	}
	var segs [][]byte
	for len(b) > 0 {
		n := len(b)
		if n > maxSegmentBytes {
			n = maxSegmentBytes
		}
		chunk := b[:n]
		b = b[n:]
		segs = append(segs, buildTCPSegment(dstPort, srcPort, c.sndNxt, c.rcvNxt, tcpACK|tcpPSH, c.wnd, chunk))
		c.sndBuf = append(c.sndBuf, chunk...)
		c.sndNxt += uint32(n)
	}
	if len(c.sndBuf) > 0 && c.rtoDeadline.IsZero() {
		c.rtoDeadline = time.Now().Add(retransmitTimeout)
	}
	c.lastBeat = time.Now()
	return segs
}

// retransmit returns the oldest unacked bytes as one segment starting at
// sndBufSeq once the retransmission timer has expired, rearming the timer,
// or nil when nothing is outstanding or the timer hasn't fired yet.
func (c *tcpConn) retransmit(srcPort, dstPort uint16, now time.Time) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sndBuf) == 0 || c.state == tcpClosed {
		return nil
	}
	if c.rtoDeadline.IsZero() || now.Before(c.rtoDeadline) {
		return nil
	}
	n := len(c.sndBuf)
	if n > maxSegmentBytes {
		n = maxSegmentBytes
	}
	chunk := append([]byte(nil), c.sndBuf[:n]...)
	c.rtoDeadline = now.Add(retransmitTimeout)
	return buildTCPSegment(dstPort, srcPort, c.sndBufSeq, c.rcvNxt, tcpACK|tcpPSH, c.wnd, chunk)
}

// closeWith builds the FIN/ACK that tears the flow down from our side, used
// both when the remote dial closes and when the poll loop times a flow out.
func (c *tcpConn) closeWith(srcPort, dstPort uint16) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finSent || c.state == tcpClosed {
		return nil
	}
	c.finSent = true
	seg := buildTCPSegment(dstPort, srcPort, c.sndNxt, c.rcvNxt, tcpFIN|tcpACK, c.wnd, nil)
	c.sndNxt++
	c.state = tcpFinWait
	return seg
}
