package refdialer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleKey = `
transport:
  $type: tcp
  tcp:
    $type: shadowsocks
    endpoint:
      $type: dial
      url: wss://relay.example.com:443/tun
    cipher: chacha20-ietf-poly1305
    secret: correct-horse-battery-staple
  udp:
    $type: shadowsocks
    path: /tun-udp
`

func TestParseUpstreamKeyWebSocket(t *testing.T) {
	up, err := ParseUpstreamKey(sampleKey, "primary")
	require.NoError(t, err)
	require.Equal(t, "primary", up.Name)
	require.Equal(t, "chacha20-ietf-poly1305", up.Cipher)
	require.Equal(t, "correct-horse-battery-staple", up.Secret)
	require.Contains(t, up.TCPWSS, "relay.example.com")
	require.Contains(t, up.UDPWSS, "/tun-udp")
}

func TestParseUpstreamKeyRejectsUnsupportedFormat(t *testing.T) {
	_, err := ParseUpstreamKey("not a key", "x")
	require.Error(t, err)
}

func TestLoadBootstrapConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/bootstrap.yaml"
	require.NoError(t, os.WriteFile(path, []byte("upstreams: []\n"), 0o644))

	cfg, err := LoadBootstrapConfig(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Selection.WarmStandbyN)
	require.Equal(t, "example.com:80", cfg.Probe.TCPTarget)
	require.True(t, cfg.Probe.EnableTCP && cfg.Probe.EnableUDP)
}
