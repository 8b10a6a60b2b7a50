// Package tundev implements the bidirectional, bounded IP-frame queue that
// sits between the host's packet-tunnel facility and the userspace stack.
// The real OS tun device is owned by the host; this package only speaks the
// write/read/inject/start_read_loop contract and a loopback Device for tests.
package tundev

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Address-family words prepended to frames written to a datagram socket
// pair, per the frame format the host side expects.
const (
	AFInet  uint32 = 2
	AFInet6 uint32 = 30
)

const (
	batchMaxFrames = 64
	batchWindow    = 100 * time.Microsecond
)

var (
	ErrStopped = errors.New("tundev: device stopped")
	ErrFull    = errors.New("tundev: queue full")
)

// Handler receives frames emitted by the stack, already AF-prefixed, in
// batches of up to 64 or within a 100µs window — whichever comes first.
type Handler func(frames [][]byte)

// Device is a bounded, bidirectional IP frame queue. The stack calls
// Write/Read; the host calls Inject and StartReadLoop.
type Device struct {
	maxBytes int64

	mu       sync.Mutex
	stopped  bool
	handler  Handler
	pending  int64 // bytes queued on the inbound (host->stack) side

	outCh chan []byte // stack -> host, pre-batch
	inCh  chan []byte // host -> stack

	writeDrops  uint64
	injectDrops uint64
	flushes     uint64

	closeOnce sync.Once
	done      chan struct{}
}

// Stats exposes the counters the metrics collector scrapes.
type Stats struct {
	WriteDrops  uint64
	InjectDrops uint64
	Flushes     uint64
}

// Stats returns a point-in-time snapshot of drop and flush counters.
func (d *Device) Stats() Stats {
	return Stats{
		WriteDrops:  atomic.LoadUint64(&d.writeDrops),
		InjectDrops: atomic.LoadUint64(&d.injectDrops),
		Flushes:     atomic.LoadUint64(&d.flushes),
	}
}

// New creates a Device whose backpressure ceiling defaults to mtu*512 when
// maxBytes is 0.
func New(mtu int, maxBytes int64) *Device {
	if maxBytes <= 0 {
		maxBytes = int64(mtu) * 512
	}
	d := &Device{
		maxBytes: maxBytes,
		outCh:    make(chan []byte, batchMaxFrames*4),
		inCh:     make(chan []byte, 1024),
		done:     make(chan struct{}),
	}
	return d
}

// Write is called by the stack to deliver a frame toward the host. It never
// blocks: a full outbound buffer counts as a drop (ErrFull); a stopped device
// returns ErrStopped without bumping the drop counter.
func (d *Device) Write(frame []byte) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	prefixed := prefixFrame(frame)
	select {
	case d.outCh <- prefixed:
		return nil
	default:
		d.bumpWriteDrop()
		return ErrFull
	}
}

// Read blocks cooperatively until an inbound frame is available or the
// device is stopped.
func (d *Device) Read(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-d.inCh:
		if !ok {
			return nil, ErrStopped
		}
		d.mu.Lock()
		d.pending -= int64(len(f))
		d.mu.Unlock()
		return f, nil
	case <-d.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inject is called from the host's own read loop to push a frame into the
// stack. Non-blocking: a full queue or backpressured device drops with a
// counter bump.
func (d *Device) Inject(frame []byte) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	if d.pending+int64(len(frame)) > d.maxBytes {
		d.mu.Unlock()
		d.bumpInjectDrop()
		return ErrFull
	}
	d.pending += int64(len(frame))
	d.mu.Unlock()

	select {
	case d.inCh <- frame:
		return nil
	default:
		d.mu.Lock()
		d.pending -= int64(len(frame))
		d.mu.Unlock()
		d.bumpInjectDrop()
		return ErrFull
	}
}

// IsBackpressured reports whether pending inbound bytes have reached the
// device's ceiling.
func (d *Device) IsBackpressured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending >= d.maxBytes
}

// StartReadLoop installs the host callback that drains the outbound queue in
// batches of up to 64 frames or a 100µs window, whichever elapses first. It
// spawns its own goroutine and returns immediately; call Stop to halt it.
func (d *Device) StartReadLoop(handler Handler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()

	go d.batchLoop()
}

func (d *Device) batchLoop() {
	batch := make([][]byte, 0, batchMaxFrames)
	timer := time.NewTimer(batchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.mu.Lock()
		h := d.handler
		d.mu.Unlock()
		if h != nil {
			h(batch)
		}
		atomic.AddUint64(&d.flushes, 1)
		batch = make([][]byte, 0, batchMaxFrames)
	}

	for {
		select {
		case <-d.done:
			flush()
			return
		case f := <-d.outCh:
			batch = append(batch, f)
			if len(batch) >= batchMaxFrames {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(batchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(batchWindow)
		}
	}
}

// Stop halts the device. Subsequent Write/Inject calls fail with ErrStopped
// and any blocked Read returns the same error.
func (d *Device) Stop() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.done)
	})
}

func (d *Device) bumpWriteDrop() {
	atomic.AddUint64(&d.writeDrops, 1)
}

func (d *Device) bumpInjectDrop() {
	atomic.AddUint64(&d.injectDrops, 1)
}

func prefixFrame(frame []byte) []byte {
	af := AFInet
	if len(frame) > 0 && frame[0]>>4 == 6 {
		af = AFInet6
	}
	out := make([]byte, 4+len(frame))
	out[0] = byte(af >> 24)
	out[1] = byte(af >> 16)
	out[2] = byte(af >> 8)
	out[3] = byte(af)
	copy(out[4:], frame)
	return out
}
