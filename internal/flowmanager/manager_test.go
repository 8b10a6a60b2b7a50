package flowmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/bufpool"
	"tunnelengine/internal/dialer"
	"tunnelengine/internal/engineerr"
)

type stubDialer struct {
	mu       sync.Mutex
	next     dialer.Handle
	blocked  map[string]bool
	writes   map[dialer.Handle][]byte
	closedCt map[dialer.Handle]int
}

func newStubDialer() *stubDialer {
	return &stubDialer{
		blocked:  map[string]bool{},
		writes:   map[dialer.Handle][]byte{},
		closedCt: map[dialer.Handle]int{},
	}
}

func (d *stubDialer) TCPDial(ctx context.Context, host string, port int) (dialer.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blocked[host] {
		return 0, &engineerr.DialFailed{Kind: engineerr.DialBlocked, Host: host, Port: port}
	}
	d.next++
	return d.next, nil
}
func (d *stubDialer) TCPWrite(h dialer.Handle, b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes[h] = append(d.writes[h], b...)
	return len(b), nil
}
func (d *stubDialer) TCPClose(h dialer.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closedCt[h]++
}
func (d *stubDialer) UDPDial(ctx context.Context, host string, port int) (dialer.Handle, error) {
	return d.TCPDial(ctx, host, port)
}
func (d *stubDialer) UDPWrite(h dialer.Handle, b []byte) (int, error) { return d.TCPWrite(h, b) }
func (d *stubDialer) UDPClose(h dialer.Handle)                        { d.TCPClose(h) }

var _ dialer.Dialer = (*stubDialer)(nil)

func waitForState(t *testing.T, f *Flow, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("flow never reached state %v, stuck at %v", want, f.State())
}

func key(n uint16) bufpool.FlowKey {
	return bufpool.FlowKey{
		Version:   bufpool.IPv4,
		Transport: bufpool.TransportTCP,
		SrcPort:   n,
		DstPort:   443,
	}
}

func TestAdmitAndWriteThrough(t *testing.T) {
	d := newStubDialer()
	var inbound []byte
	m := New(d, Callbacks{
		OnInbound: func(k bufpool.FlowKey, b []byte) { inbound = append(inbound, b...) },
	}, Options{})

	f, err := m.Admit(context.Background(), key(1), "example.com", 443)
	require.NoError(t, err)
	waitForState(t, f, StateAdmitted)

	require.NoError(t, m.BufferOutbound(f, []byte("hi")))
	m.onReceive(f.handle, []byte("reply"))
	require.Equal(t, []byte("reply"), inbound)
}

func TestAdmitDialFailureClosesFlow(t *testing.T) {
	d := newStubDialer()
	d.blocked["blocked.example"] = true
	var closedReason string
	m := New(d, Callbacks{
		OnClosed: func(k bufpool.FlowKey, reason string) { closedReason = reason },
	}, Options{})

	f, err := m.Admit(context.Background(), key(2), "blocked.example", 443)
	require.NoError(t, err)
	waitForState(t, f, StateClosed)
	require.Contains(t, closedReason, "Blocked")
}

func TestAdmissionCapEnforced(t *testing.T) {
	d := newStubDialer()
	m := New(d, Callbacks{}, Options{TCPCap: 2})

	f1, err := m.Admit(context.Background(), key(10), "a.example", 443)
	require.NoError(t, err)
	waitForState(t, f1, StateAdmitted)
	f2, err := m.Admit(context.Background(), key(11), "b.example", 443)
	require.NoError(t, err)
	waitForState(t, f2, StateAdmitted)

	_, err = m.Admit(context.Background(), key(12), "c.example", 443)
	require.Error(t, err)
	require.EqualValues(t, 1, m.Stats().AdmissionFails)
}

func TestAdmissionCapEvictsIdleFlow(t *testing.T) {
	d := newStubDialer()
	m := New(d, Callbacks{}, Options{TCPCap: 1})

	f1, err := m.Admit(context.Background(), key(20), "a.example", 443)
	require.NoError(t, err)
	waitForState(t, f1, StateAdmitted)

	// Age f1 so it's the LRU candidate.
	f1.mu.Lock()
	f1.lastActivity = time.Now().Add(-time.Hour)
	f1.mu.Unlock()

	f2, err := m.Admit(context.Background(), key(21), "b.example", 443)
	require.NoError(t, err)
	waitForState(t, f2, StateAdmitted)
	waitForState(t, f1, StateClosed)
	require.EqualValues(t, 1, m.Stats().Evictions)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newStubDialer()
	m := New(d, Callbacks{}, Options{})
	f, err := m.Admit(context.Background(), key(30), "a.example", 443)
	require.NoError(t, err)
	waitForState(t, f, StateAdmitted)

	m.Close(f.Key, "manual")
	m.Close(f.Key, "manual-again")

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, 1, d.closedCt[f.handle])
}

func TestSweepClosesIdleFlows(t *testing.T) {
	d := newStubDialer()
	m := New(d, Callbacks{}, Options{IdleTCP: time.Millisecond})
	f, err := m.Admit(context.Background(), key(40), "a.example", 443)
	require.NoError(t, err)
	waitForState(t, f, StateAdmitted)

	time.Sleep(5 * time.Millisecond)
	m.Sweep(time.Now())
	waitForState(t, f, StateClosed)
}
