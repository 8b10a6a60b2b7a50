package packet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildClientHello constructs a minimal TLS record carrying a ClientHello
// whose only extension is SNI=host.
func buildClientHello(host string) []byte {
	sniExt := []byte{}
	sniExt = append(sniExt, 0, 0) // extension type 0 (server_name), filled below
	nameEntry := append([]byte{0}, byte(len(host)>>8), byte(len(host)))
	nameEntry = append(nameEntry, host...)
	serverNameList := append([]byte{byte(len(nameEntry) >> 8), byte(len(nameEntry))}, nameEntry...)
	extBody := serverNameList
	ext := []byte{0, 0, byte(len(extBody) >> 8), byte(len(extBody))}
	ext = append(ext, extBody...)

	body := []byte{}
	body = append(body, 3, 3)               // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0)                   // session id len
	body = append(body, 0, 2, 0x13, 0x01)    // cipher suites len=2, one suite
	body = append(body, 1, 0)                // compression methods

	extsLen := len(ext)
	body = append(body, byte(extsLen>>8), byte(extsLen))
	body = append(body, ext...)

	hs := []byte{1, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	record := []byte{22, 3, 3, byte(len(hs) >> 8), byte(len(hs))}
	record = append(record, hs...)
	return record
}

func TestParseTLSClientHelloSNI(t *testing.T) {
	record := buildClientHello("www.apple.com")
	sni, ok := parseTLSClientHelloSNI(record)
	require.True(t, ok)
	require.Equal(t, "www.apple.com", sni)
}

func TestParseTLSClientHelloSNIViaParse(t *testing.T) {
	record := buildClientHello("www.apple.com")
	pkt := buildIPv4TCP(t, 5, [4]byte{10, 0, 0, 1}, [4]byte{1, 1, 1, 1}, 50000, 443, record)
	m := Parse(pkt, DefaultHint)
	require.NotNil(t, m)
	require.Equal(t, "www.apple.com", m.TLSServerName)
	require.Equal(t, "apple.com", m.RegistrableDomain)
}

func TestParseTLSClientHelloSNIOnNonStandardPort(t *testing.T) {
	record := buildClientHello("www.apple.com")
	pkt := buildIPv4TCP(t, 5, [4]byte{10, 0, 0, 1}, [4]byte{1, 1, 1, 1}, 50000, 8443, record)
	m := Parse(pkt, DefaultHint)
	require.NotNil(t, m)
	require.Equal(t, "www.apple.com", m.TLSServerName)
}
