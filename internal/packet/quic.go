package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/hkdf"
)

// QUIC v1/v2 initial salts and label prefixes, per spec.md §6.
var (
	saltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}
	saltV2 = []byte{0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9}
)

const (
	quicVersion1 uint32 = 0x00000001
	quicVersion2 uint32 = 0x6b3343cf

	cryptoFrameType = 0x06
)

// packetTypeName implements the table from spec.md §4.2: the
// two-bit type field in the long header maps to different semantics
// depending on version.
func packetTypeName(version uint32, bits byte) string {
	names := [4]string{"initial", "0-rtt", "handshake", "retry"}
	if version == quicVersion2 {
		names = [4]string{"retry", "initial", "0-rtt", "handshake"}
	}
	return names[bits&0x03]
}

// parseQUICInitial attempts to decode a QUIC long-header Initial packet
// and recover the embedded TLS ClientHello's SNI. Returns (info, sni, ok);
// ok is only true when a long header was found, even if SNI recovery
// failed (e.g. an unsupported version or non-Initial packet type) — the
// caller still gets QUICInfo in that case but an empty SNI.
func parseQUICInitial(b []byte) (*QUICInfo, string, bool) {
	if len(b) < 7 || b[0]&0x80 == 0 {
		return nil, "", false
	}
	version := binary.BigEndian.Uint32(b[1:5])
	off := 5
	dcidLen := int(b[off])
	off++
	if off+dcidLen > len(b) {
		return nil, "", false
	}
	dcid := b[off : off+dcidLen]
	off += dcidLen
	if off >= len(b) {
		return nil, "", false
	}
	scidLen := int(b[off])
	off++
	if off+scidLen > len(b) {
		return nil, "", false
	}
	scid := b[off : off+scidLen]
	off += scidLen

	typ := packetTypeName(version, b[0]>>4)
	info := &QUICInfo{Version: version, DCID: dcid, SCID: scid, PacketType: typ}
	if typ != "initial" {
		return info, "", true
	}
	if version != quicVersion1 && version != quicVersion2 {
		return info, "", true
	}

	tokenLen, n, ok := readVarint(b[off:])
	if !ok {
		return info, "", true
	}
	off += n
	if off+int(tokenLen) > len(b) {
		return info, "", true
	}
	off += int(tokenLen)

	remLen, n, ok := readVarint(b[off:])
	if !ok {
		return info, "", true
	}
	pnOffset := off + n
	pktEnd := pnOffset + int(remLen)
	if pktEnd > len(b) {
		pktEnd = len(b)
	}

	sni, ok := decryptInitialForSNI(b[:pktEnd], version, dcid, pnOffset)
	if !ok {
		return info, "", true
	}
	return info, sni, true
}

func readVarint(b []byte) (value uint64, n int, ok bool) {
	if len(b) < 1 {
		return 0, 0, false
	}
	prefix := b[0] >> 6
	length := 1 << prefix
	if len(b) < length {
		return 0, 0, false
	}
	v := uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v, length, true
}

type initialKeys struct {
	key []byte
	iv  []byte
	hp  []byte
}

func deriveInitialKeys(version uint32, dcid []byte) initialKeys {
	salt := saltV1
	labelPrefix := "tls13 quic "
	if version == quicVersion2 {
		salt = saltV2
		labelPrefix = "tls13 quicv2 "
	}
	initialSecret := hkdf.Extract(sha256.New, dcid, salt)
	// "client in" keeps the plain tls13 prefix in both versions; only the
	// key/iv/hp labels carry the quic/quicv2 prefix (RFC 9001 §5.2, RFC 9369).
	clientSecret := hkdfExpandLabel(initialSecret, "tls13 client in", 32)
	return initialKeys{
		key: hkdfExpandLabel(clientSecret, labelPrefix+"key", 16),
		iv:  hkdfExpandLabel(clientSecret, labelPrefix+"iv", 12),
		hp:  hkdfExpandLabel(clientSecret, labelPrefix+"hp", 16),
	}
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label (RFC 8446
// §7.1) construction QUIC reuses for key derivation (RFC 9001 §5.1),
// with the "tls13 " prefix already folded into label by the caller so
// the v1/v2 label-prefix difference of spec.md §6 stays in one place.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	info := make([]byte, 0, 2+1+len(label)+1)
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(label)))
	info = append(info, label...)
	info = append(info, 0) // empty Context
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	if _, err := r.Read(out); err != nil {
		return nil
	}
	return out
}

// decryptInitialForSNI removes header protection, opens the AEAD payload,
// and extracts a CRYPTO frame at offset 0 carrying a ClientHello.
func decryptInitialForSNI(pkt []byte, version uint32, dcid []byte, pnOffset int) (string, bool) {
	keys := deriveInitialKeys(version, dcid)
	block, err := aes.NewCipher(keys.hp)
	if err != nil {
		return "", false
	}

	sampleOffset := pnOffset + 4
	if sampleOffset+16 > len(pkt) {
		return "", false
	}
	sample := pkt[sampleOffset : sampleOffset+16]
	mask := make([]byte, 16)
	block.Encrypt(mask, sample)

	hdr := append([]byte(nil), pkt[:pnOffset]...)
	if hdr[0]&0x80 == 0 {
		return "", false
	}
	hdr[0] ^= mask[0] & 0x0f

	pnLen := int(hdr[0]&0x03) + 1
	if pnOffset+pnLen > len(pkt) {
		return "", false
	}
	pnBytes := append([]byte(nil), pkt[pnOffset:pnOffset+pnLen]...)
	for i := 0; i < pnLen; i++ {
		pnBytes[i] ^= mask[1+i]
	}
	var packetNumber uint64
	for i := 0; i < pnLen; i++ {
		packetNumber = packetNumber<<8 | uint64(pnBytes[i])
	}

	fullHdr := append(hdr, pnBytes...)
	ciphertext := pkt[pnOffset+pnLen:]

	nonce := make([]byte, len(keys.iv))
	copy(nonce, keys.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(packetNumber >> (8 * i))
	}

	aeadBlock, err := aes.NewCipher(keys.key)
	if err != nil {
		return "", false
	}
	aead, err := cipher.NewGCM(aeadBlock)
	if err != nil {
		return "", false
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, fullHdr)
	if err != nil {
		return "", false
	}
	return sniFromCryptoFrames(plaintext)
}

// sniFromCryptoFrames walks the decrypted Initial payload's frames
// looking for a CRYPTO frame (type 0x06) at offset 0 carrying a
// ClientHello, per spec.md §4.2.
func sniFromCryptoFrames(payload []byte) (string, bool) {
	off := 0
	for off < len(payload) {
		typ := payload[off]
		off++
		switch {
		case typ == cryptoFrameType:
			cryptoOffset, n, ok := readVarint(payload[off:])
			if !ok {
				return "", false
			}
			off += n
			length, n, ok := readVarint(payload[off:])
			if !ok {
				return "", false
			}
			off += n
			if off+int(length) > len(payload) {
				return "", false
			}
			data := payload[off : off+int(length)]
			if cryptoOffset == 0 {
				if sni, ok := parseTLSClientHelloFromCrypto(data); ok {
					return sni, true
				}
			}
			off += int(length)
		case typ == 0x00: // PADDING
			continue
		case typ == 0x01: // PING
			continue
		default:
			// Any other frame type ends our ability to keep walking
			// without a full frame-length table; we only need offset-0
			// CRYPTO frames for SNI recovery.
			return "", false
		}
	}
	return "", false
}

// parseTLSClientHelloFromCrypto parses a ClientHello that is NOT wrapped
// in a TLS record (CRYPTO frames carry the handshake message directly).
func parseTLSClientHelloFromCrypto(hs []byte) (string, bool) {
	if len(hs) < 4 || hs[0] != 1 {
		return "", false
	}
	fake := make([]byte, 5+len(hs))
	fake[0] = 22
	fake[1], fake[2] = 3, 3
	fake[3] = byte(len(hs) >> 8)
	fake[4] = byte(len(hs))
	copy(fake[5:], hs)
	return parseTLSClientHelloSNI(fake)
}
