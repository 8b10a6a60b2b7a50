package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntervalZeroEmitsEverySnapshotInOrder(t *testing.T) {
	var snaps []Snapshot
	c := New(func(s Snapshot) { snaps = append(snaps, s) }, 0)
	defer c.Close()

	c.Record(Inbound, 1, 10)
	c.Record(Outbound, 2, 20)

	require.Len(t, snaps, 2)
	require.Equal(t, uint64(1), snaps[0].InboundPackets)
	require.Equal(t, uint64(0), snaps[0].OutboundPackets)
	require.Equal(t, uint64(1), snaps[1].InboundPackets)
	require.Equal(t, uint64(2), snaps[1].OutboundPackets)
}

func TestRecentErrorsBounded(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()
	c.maxErr = 3

	c.RecordError("a")
	c.RecordError("b")
	c.RecordError("c")
	c.RecordError("d")

	snap := c.Snapshot()
	require.Len(t, snap.RecentErrors, 3)
	require.Equal(t, "b", snap.RecentErrors[0].Message)
	require.Equal(t, "d", snap.RecentErrors[2].Message)
}

func TestAdjustActiveConnections(t *testing.T) {
	c := New(nil, 0)
	defer c.Close()

	c.AdjustActiveConnections(1, 2)
	c.AdjustActiveConnections(-1, 1)

	snap := c.Snapshot()
	require.Equal(t, int64(0), snap.ActiveTCP)
	require.Equal(t, int64(3), snap.ActiveUDP)
}
