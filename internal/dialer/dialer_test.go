package dialer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDialer is a minimal in-memory Dialer used to exercise the interface
// boundary in tests for packages that depend on it.
type fakeDialer struct {
	mu      sync.Mutex
	next    Handle
	written map[Handle][]byte
	closed  map[Handle]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{written: map[Handle][]byte{}, closed: map[Handle]bool{}}
}

func (f *fakeDialer) TCPDial(ctx context.Context, host string, port int) (Handle, error) {
	if host == "blocked.example" {
		return 0, &DialError{Kind: ErrBlocked}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next, nil
}

func (f *fakeDialer) TCPWrite(h Handle, b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[h] = append(f.written[h], b...)
	return len(b), nil
}

func (f *fakeDialer) TCPClose(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[h] = true
}

func (f *fakeDialer) UDPDial(ctx context.Context, host string, port int) (Handle, error) {
	return f.TCPDial(ctx, host, port)
}
func (f *fakeDialer) UDPWrite(h Handle, b []byte) (int, error) { return f.TCPWrite(h, b) }
func (f *fakeDialer) UDPClose(h Handle)                        { f.TCPClose(h) }

var _ Dialer = (*fakeDialer)(nil)

func TestDialErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &DialError{Kind: ErrRefused, Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "refused")
}

func TestFakeDialerTCPFlow(t *testing.T) {
	f := newFakeDialer()
	h, err := f.TCPDial(context.Background(), "example.com", 443)
	require.NoError(t, err)

	n, err := f.TCPWrite(h, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	f.TCPClose(h)
	require.True(t, f.closed[h])
}

func TestFakeDialerBlocked(t *testing.T) {
	f := newFakeDialer()
	_, err := f.TCPDial(context.Background(), "blocked.example", 443)
	var de *DialError
	require.ErrorAs(t, err, &de)
	require.Equal(t, ErrBlocked, de.Kind)
}
