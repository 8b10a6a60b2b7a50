package flowtracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/bufpool"
)

func testKey(port uint16) bufpool.FlowKey {
	return bufpool.FlowKey{Transport: bufpool.TransportTCP, SrcPort: port, DstPort: 443}
}

func TestFlowIDStableWithinTTL(t *testing.T) {
	tr := New(time.Minute, 0)
	now := time.Now()
	id1, _ := tr.FlowID(testKey(1), now)
	id2, _ := tr.FlowID(testKey(1), now.Add(time.Second))
	require.Equal(t, id1, id2)
}

func TestFlowIDChangesAfterTTLExpiry(t *testing.T) {
	tr := New(10*time.Millisecond, 0)
	now := time.Now()
	id1, _ := tr.FlowID(testKey(2), now)
	id2, _ := tr.FlowID(testKey(2), now.Add(time.Hour))
	require.NotEqual(t, id1, id2)
}

func TestBurstIDIncrementsAfterGap(t *testing.T) {
	tr := New(time.Hour, 100*time.Millisecond)
	now := time.Now()
	_, b1 := tr.FlowID(testKey(3), now)
	_, b2 := tr.FlowID(testKey(3), now.Add(10*time.Millisecond))
	require.Equal(t, b1, b2)

	_, b3 := tr.FlowID(testKey(3), now.Add(time.Second))
	require.NotEqual(t, b2, b3)
}

func TestEvictStaleRemovesOldEntries(t *testing.T) {
	tr := New(10*time.Millisecond, 0)
	now := time.Now()
	tr.FlowID(testKey(4), now)
	require.Equal(t, 1, tr.Len())

	n := tr.EvictStale(now.Add(time.Hour))
	require.Equal(t, 1, n)
	require.Equal(t, 0, tr.Len())
}

func TestEvictStaleIgnoresSupersededHeapEntries(t *testing.T) {
	tr := New(time.Hour, 0)
	now := time.Now()
	tr.FlowID(testKey(5), now)
	tr.FlowID(testKey(5), now.Add(time.Millisecond)) // touch again, stale heap item left behind

	n := tr.EvictStale(now.Add(2 * time.Hour))
	require.Equal(t, 1, n)
	require.Equal(t, 0, tr.Len())
}
