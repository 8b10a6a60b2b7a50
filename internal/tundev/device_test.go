package tundev

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteBatchesAndPrefixesAF(t *testing.T) {
	d := New(1500, 0)
	defer d.Stop()

	got := make(chan [][]byte, 1)
	d.StartReadLoop(func(frames [][]byte) { got <- frames })

	ipv4Frame := []byte{0x45, 0, 0, 0}
	require.NoError(t, d.Write(ipv4Frame))

	select {
	case batch := <-got:
		require.Len(t, batch, 1)
		require.Equal(t, []byte{0, 0, 0, byte(AFInet)}, batch[0][:4])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

func TestWriteFlushesAt64Frames(t *testing.T) {
	d := New(1500, 0)
	defer d.Stop()

	got := make(chan [][]byte, 4)
	d.StartReadLoop(func(frames [][]byte) { got <- frames })

	for i := 0; i < 64; i++ {
		require.NoError(t, d.Write([]byte{0x45, 0, 0, 0}))
	}

	select {
	case batch := <-got:
		require.Len(t, batch, 64)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch flush")
	}
}

func TestInjectAndReadRoundTrip(t *testing.T) {
	d := New(1500, 0)
	defer d.Stop()

	require.NoError(t, d.Inject([]byte("hello")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := d.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), f)
}

func TestInjectBackpressure(t *testing.T) {
	d := New(100, 200) // tiny ceiling
	defer d.Stop()

	require.False(t, d.IsBackpressured())
	require.NoError(t, d.Inject(make([]byte, 150)))
	require.False(t, d.IsBackpressured())

	err := d.Inject(make([]byte, 100))
	require.ErrorIs(t, err, ErrFull)
	require.EqualValues(t, 1, d.Stats().InjectDrops)

	require.NoError(t, d.Inject(make([]byte, 50)))
	require.True(t, d.IsBackpressured())
}

func TestStopUnblocksRead(t *testing.T) {
	d := New(1500, 0)
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Read(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	d.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on Stop")
	}
}

func TestWriteAfterStopFails(t *testing.T) {
	d := New(1500, 0)
	d.Stop()
	err := d.Write([]byte{0x45, 0, 0, 0})
	require.ErrorIs(t, err, ErrStopped)
}

func TestLoopbackRoundTrip(t *testing.T) {
	lb := NewLoopback(1500, 0)
	defer lb.Stop()

	require.NoError(t, lb.Write([]byte{0x45, 1, 2, 3}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := lb.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0x45, 1, 2, 3}, f)
}
