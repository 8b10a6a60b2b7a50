package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildQUICInitial constructs a self-consistent QUIC v1 long-header
// Initial packet carrying a CRYPTO frame with a ClientHello for sni, using
// the same key derivation the parser uses. This exercises the full
// HKDF/AES-GCM/header-protection pipeline end to end without depending on
// a live QUIC stack, the same way the corpus's own crypto code
// (teacher's internal/shadowsocks/cipher.go) is tested by round-tripping
// through its own Encrypt/Decrypt.
func buildQUICInitial(t *testing.T, dcid []byte, sni string) []byte {
	t.Helper()
	keys := deriveInitialKeys(quicVersion1, dcid)

	hello := buildClientHello(sni)
	// Strip the outer TLS record (5 bytes) — CRYPTO frames carry the bare
	// handshake message.
	hs := hello[5:]

	var frame []byte
	frame = append(frame, cryptoFrameType)
	frame = append(frame, 0x00)                    // offset varint = 0
	frame = appendVarint(frame, uint64(len(hs)))
	frame = append(frame, hs...)
	for len(frame) < 1200-64 {
		frame = append(frame, 0x00) // PADDING to satisfy QUIC's min-size rule
	}

	pnLen := 2
	packetNumber := uint64(1)
	pnBytes := []byte{byte(packetNumber >> 8), byte(packetNumber)}

	aeadBlock, err := aes.NewCipher(keys.key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(aeadBlock)
	require.NoError(t, err)

	scid := []byte{0xaa, 0xbb}
	hdr := []byte{0xc3} // long header, fixed bit, type=Initial(0) for v1, pnLen bits will be set below
	hdr[0] = 0xc0 | byte(pnLen-1)
	hdr = appendUint32(hdr, quicVersion1)
	hdr = append(hdr, byte(len(dcid)))
	hdr = append(hdr, dcid...)
	hdr = append(hdr, byte(len(scid)))
	hdr = append(hdr, scid...)
	hdr = append(hdr, 0x00) // token length = 0

	remLen := pnLen + len(frame) + aead.Overhead()
	hdr = appendVarint(hdr, uint64(remLen))
	pnOffset := len(hdr)
	hdr = append(hdr, pnBytes...)

	nonce := make([]byte, len(keys.iv))
	copy(nonce, keys.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(packetNumber >> (8 * i))
	}
	ciphertext := aead.Seal(nil, nonce, frame, hdr)

	pkt := append(append([]byte(nil), hdr...), ciphertext...)

	hpBlock, err := aes.NewCipher(keys.hp)
	require.NoError(t, err)
	sampleOffset := pnOffset + 4
	sample := pkt[sampleOffset : sampleOffset+16]
	mask := make([]byte, 16)
	hpBlock.Encrypt(mask, sample)

	pkt[0] ^= mask[0] & 0x0f
	for i := 0; i < pnLen; i++ {
		pkt[pnOffset+i] ^= mask[1+i]
	}
	return pkt
}

func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v < 1<<6:
		return append(b, byte(v))
	case v < 1<<14:
		return append(b, byte(v>>8)|0x40, byte(v))
	default:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	}
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func TestQUICInitialSNI(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	pkt := buildQUICInitial(t, dcid, "www.example.org")
	info, sni, ok := parseQUICInitial(pkt)
	require.True(t, ok)
	require.NotNil(t, info)
	require.Equal(t, "initial", info.PacketType)
	require.Equal(t, "www.example.org", sni)
}
