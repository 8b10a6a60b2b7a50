// Package metrics implements the periodic counters and error log of
// spec.md §4.11: a Collector accumulates cumulative counters and produces
// MetricsSnapshot values, coalesced by an interval timer (or emitted
// synchronously on every mutation when interval==0, for tests).
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// ErrorEvent is one entry in the bounded recent-error list.
type ErrorEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the spec.md §3 MetricsSnapshot: cumulative within a session,
// never zeroed on emit.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	InboundPackets  uint64 `json:"inboundPackets"`
	InboundBytes    uint64 `json:"inboundBytes"`
	OutboundPackets uint64 `json:"outboundPackets"`
	OutboundBytes   uint64 `json:"outboundBytes"`

	ActiveTCP int64 `json:"activeTCP"`
	ActiveUDP int64 `json:"activeUDP"`

	AdmissionFails    uint64 `json:"admissionFails"`
	BackpressureDrops uint64 `json:"backpressureDrops"`
	PollIterations    uint64 `json:"pollIterations"`
	FramesEmitted     uint64 `json:"framesEmitted"`
	BytesEmitted      uint64 `json:"bytesEmitted"`
	FlushEvents       uint64 `json:"flushEvents"`

	RecentErrors []ErrorEvent `json:"recentErrors"`
}

// Sink receives a snapshot every time one is emitted.
type Sink func(Snapshot)

const defaultMaxErrors = 32

// Direction is inbound or outbound traffic, for Record.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

// Collector accumulates the counters of spec.md §3/§4.11 and emits
// Snapshot values to a configured Sink, either immediately (interval==0,
// used by tests) or coalesced by an internal timer (interval>0).
type Collector struct {
	sink     Sink
	interval time.Duration
	maxErr   int

	inPackets, inBytes   uint64
	outPackets, outBytes uint64
	activeTCP, activeUDP int64

	admissionFails    uint64
	backpressureDrops uint64
	pollIterations    uint64
	framesEmitted     uint64
	bytesEmitted      uint64
	flushEvents       uint64

	mu     sync.Mutex
	errors []ErrorEvent

	timerOnce sync.Once
	stop      chan struct{}
	dirty     int32
}

// New creates a Collector. interval==0 emits a snapshot synchronously on
// every mutating call (the spec.md testing mode); interval>0 coalesces
// emissions on that period.
func New(sink Sink, interval time.Duration) *Collector {
	c := &Collector{sink: sink, interval: interval, maxErr: defaultMaxErrors, stop: make(chan struct{})}
	if interval > 0 {
		go c.timerLoop()
	}
	return c
}

func (c *Collector) timerLoop() {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if atomic.SwapInt32(&c.dirty, 0) != 0 {
				c.emit()
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the coalescing timer, if any.
func (c *Collector) Close() {
	c.timerOnce.Do(func() { close(c.stop) })
}

// EngineCounters are the cumulative poll-loop counters of spec.md §3.
type EngineCounters struct {
	AdmissionFails    uint64
	BackpressureDrops uint64
	PollIterations    uint64
	FramesEmitted     uint64
	BytesEmitted      uint64
	FlushEvents       uint64
}

// Record adds a packet/byte observation for the given direction.
func (c *Collector) Record(dir Direction, packets, bytes uint64) {
	if dir == Inbound {
		atomic.AddUint64(&c.inPackets, packets)
		atomic.AddUint64(&c.inBytes, bytes)
	} else {
		atomic.AddUint64(&c.outPackets, packets)
		atomic.AddUint64(&c.outBytes, bytes)
	}
	c.afterMutation()
}

// AdjustActiveConnections applies signed deltas to the active TCP/UDP
// flow counts.
func (c *Collector) AdjustActiveConnections(tcpDelta, udpDelta int64) {
	atomic.AddInt64(&c.activeTCP, tcpDelta)
	atomic.AddInt64(&c.activeUDP, udpDelta)
	c.afterMutation()
}

// RecordEngine folds delta counters into the cumulative engine totals.
func (c *Collector) RecordEngine(delta EngineCounters) {
	atomic.AddUint64(&c.admissionFails, delta.AdmissionFails)
	atomic.AddUint64(&c.backpressureDrops, delta.BackpressureDrops)
	atomic.AddUint64(&c.pollIterations, delta.PollIterations)
	atomic.AddUint64(&c.framesEmitted, delta.FramesEmitted)
	atomic.AddUint64(&c.bytesEmitted, delta.BytesEmitted)
	atomic.AddUint64(&c.flushEvents, delta.FlushEvents)
	c.afterMutation()
}

// RecordError appends msg to the bounded recent-error list, trimming from
// the front past maxErr entries.
func (c *Collector) RecordError(msg string) {
	c.mu.Lock()
	c.errors = append(c.errors, ErrorEvent{Message: msg, Timestamp: time.Now()})
	if len(c.errors) > c.maxErr {
		c.errors = c.errors[len(c.errors)-c.maxErr:]
	}
	c.mu.Unlock()
	c.afterMutation()
}

func (c *Collector) afterMutation() {
	if c.interval <= 0 {
		c.emit()
		return
	}
	atomic.StoreInt32(&c.dirty, 1)
}

// Snapshot builds a point-in-time Snapshot without emitting it to the sink.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	errs := append([]ErrorEvent(nil), c.errors...)
	c.mu.Unlock()

	return Snapshot{
		Timestamp:         time.Now(),
		InboundPackets:    atomic.LoadUint64(&c.inPackets),
		InboundBytes:      atomic.LoadUint64(&c.inBytes),
		OutboundPackets:   atomic.LoadUint64(&c.outPackets),
		OutboundBytes:     atomic.LoadUint64(&c.outBytes),
		ActiveTCP:         atomic.LoadInt64(&c.activeTCP),
		ActiveUDP:         atomic.LoadInt64(&c.activeUDP),
		AdmissionFails:    atomic.LoadUint64(&c.admissionFails),
		BackpressureDrops: atomic.LoadUint64(&c.backpressureDrops),
		PollIterations:    atomic.LoadUint64(&c.pollIterations),
		FramesEmitted:     atomic.LoadUint64(&c.framesEmitted),
		BytesEmitted:      atomic.LoadUint64(&c.bytesEmitted),
		FlushEvents:       atomic.LoadUint64(&c.flushEvents),
		RecentErrors:      errs,
	}
}

func (c *Collector) emit() {
	if c.sink == nil {
		return
	}
	c.sink(c.Snapshot())
}
