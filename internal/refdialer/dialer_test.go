package refdialer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tunnelengine/internal/shadowsocks"
)

func TestParseAddrPrefixRoundTripsIPv4(t *testing.T) {
	addr, err := shadowsocks.ParseAddr("93.184.216.34:80")
	require.NoError(t, err)

	payload := append(addr, []byte("hello")...)
	host, port, off, err := parseAddrPrefix(payload)
	require.NoError(t, err)
	require.Equal(t, "93.184.216.34", host)
	require.Equal(t, 80, port)
	require.Equal(t, "hello", string(payload[off:]))
}

func TestParseAddrPrefixRoundTripsDomain(t *testing.T) {
	addr, err := shadowsocks.ParseAddr("example.com:443")
	require.NoError(t, err)

	payload := append(addr, []byte("x")...)
	host, port, off, err := parseAddrPrefix(payload)
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
	require.Equal(t, 443, port)
	require.Equal(t, "x", string(payload[off:]))
}

func TestBuildDNSQueryEncodesTransactionID(t *testing.T) {
	q := buildDNSQuery(0x1234, "example.com", 1)
	require.Equal(t, byte(0x12), q[0])
	require.Equal(t, byte(0x34), q[1])
}

func TestDialerCloseIsIdempotentWithNoSessions(t *testing.T) {
	lb := NewLoadBalancer(nil, testHealthcheck(), testSelection(), ProbeConfig{}, 0, nil)
	d := NewDialer(lb, nil, 0, 0)
	d.Close()
	d.Close()
}
