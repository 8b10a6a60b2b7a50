package packet

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildIPv4TCP(t *testing.T, ihl int, src, dst [4]byte, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	ipHdrLen := ihl * 4
	tcpHdrLen := 20
	total := ipHdrLen + tcpHdrLen + len(payload)
	b := make([]byte, total)

	b[0] = byte(4<<4 | ihl)
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	b[8] = 64
	b[9] = 6 // TCP
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])

	t0 := b[ipHdrLen:]
	binary.BigEndian.PutUint16(t0[0:2], sport)
	binary.BigEndian.PutUint16(t0[2:4], dport)
	t0[12] = byte(5 << 4) // data offset = 5 words = 20 bytes
	copy(t0[20:], payload)

	return b
}

func TestParseIPv4TCPRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		ihl := 5 + rand.Intn(11) // [5,15]
		pkt := buildIPv4TCP(t, ihl, [4]byte{10, 0, 0, 1}, [4]byte{93, 184, 216, 34}, 51000, 443, []byte("hello"))
		m := Parse(pkt, DefaultHint)
		require.NotNil(t, m)
		require.Equal(t, len(pkt), m.Length)
		require.Equal(t, "10.0.0.1", m.SrcIP.String())
		require.Equal(t, "93.184.216.34", m.DstIP.String())
		require.EqualValues(t, 51000, m.SrcPort)
		require.EqualValues(t, 443, m.DstPort)
	}
}

func TestParseMalformedNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x45},
		{0x60, 0, 0, 0, 0, 0, 6},
		make([]byte, 19),
	}
	for _, in := range inputs {
		require.NotPanics(t, func() { Parse(in, DefaultHint) })
	}
}

func TestRegistrableDomain(t *testing.T) {
	cases := map[string]string{
		"www.apple.com":        "apple.com",
		"a.b.example.com":      "example.com",
		"example.com":          "example.com",
		"foo.bar.co.uk":        "bar.co.uk",
		"sub.sub2.bbc.co.uk.":  "bbc.co.uk",
	}
	for in, want := range cases {
		require.Equal(t, want, RegistrableDomain(in), in)
	}
}
