package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/forwardhost"
)

func TestHostOverrideWins(t *testing.T) {
	tracker := forwardhost.New(0, 0)
	called := 0
	r := New(func(ctx context.Context, host string) ([]string, error) {
		called++
		return []string{"203.0.113.5"}, nil
	}, BackendPlatform, nil, tracker)

	addrs, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"203.0.113.5"}, addrs)
	require.Equal(t, 1, called)

	ip, _ := parseIPAddr("203.0.113.5")
	host, ok := tracker.Lookup(ip)
	require.True(t, ok)
	require.Equal(t, "example.com", host)
}

func TestEmptyOverrideFallsBackToInternal(t *testing.T) {
	r := New(func(ctx context.Context, host string) ([]string, error) {
		return nil, nil
	}, BackendPlatform, nil, nil)

	_, err := r.Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	_ = r
}
