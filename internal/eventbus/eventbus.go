// Package eventbus is the multi-listener pub/sub of spec.md §4.12: every
// TrafficEvent a filter stage produces is redacted and then delivered, in
// publish order for a single publisher, to every registered listener on
// the bus's own serial executor goroutine.
package eventbus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category classifies a TrafficEvent.
type Category string

const (
	CategoryObservation Category = "observation"
	CategoryBurst       Category = "burst"
	CategoryPolicy      Category = "policy"
	CategoryCustom      Category = "custom"
)

// Confidence is a coarse three-level confidence tag.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Event is the pub/sub payload of spec.md §3.
type Event struct {
	ID         string
	Timestamp  time.Time
	Category   Category
	Confidence Confidence
	Details    map[string]string
}

// Listener receives published events, in publish order, on the bus's
// serial executor. It must not block for long — it runs on the one
// goroutine every listener shares.
type Listener func(Event)

// Token identifies a registered listener for RemoveListener.
type Token uint64

// Redactor sanitises event details before publication, per spec.md §4.12:
// strips any key literally named "payload", and — when enabled — replaces
// the value of any key whose lowercase form contains "host" or "domain"
// with a fixed token, unless that key is in the allow-list.
type Redactor struct {
	Enabled   bool
	AllowList map[string]bool
}

const redactedToken = "[redacted]"

func (r Redactor) apply(details map[string]string) map[string]string {
	if len(details) == 0 {
		return details
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		if k == "payload" {
			continue
		}
		if r.Enabled && !r.AllowList[k] {
			lk := strings.ToLower(k)
			if strings.Contains(lk, "host") || strings.Contains(lk, "domain") {
				out[k] = redactedToken
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Bus is a serial-executor pub/sub with an optional redactor.
type Bus struct {
	redactor Redactor

	mu        sync.Mutex
	listeners map[Token]Listener
	nextToken Token

	work chan Event
	done chan struct{}
	stop sync.Once
}

// New creates a Bus and starts its serial executor goroutine.
func New(redactor Redactor) *Bus {
	b := &Bus{
		redactor:  redactor,
		listeners: make(map[Token]Listener),
		work:      make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	for {
		select {
		case ev := <-b.work:
			b.dispatch(ev)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// AddListener registers cb and returns a token for RemoveListener.
func (b *Bus) AddListener(cb Listener) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	t := b.nextToken
	b.listeners[t] = cb
	return t
}

// RemoveListener unregisters the listener identified by t, if still present.
func (b *Bus) RemoveListener(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, t)
}

// Publish redacts ev.Details and enqueues it for delivery on the serial
// executor. If ev.ID is empty a UUID is assigned; if ev.Timestamp is zero
// it is stamped with time.Now().
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Details = b.redactor.apply(ev.Details)

	select {
	case b.work <- ev:
	case <-b.done:
	}
}

// Close stops the bus's serial executor. Idempotent.
func (b *Bus) Close() {
	b.stop.Do(func() { close(b.done) })
}
