package refdialer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"

	"tunnelengine/internal/shadowsocks"
	"tunnelengine/internal/wsconn"
)

var errUnexpectedProbeResponse = errors.New("refdialer: unexpected probe response")

// ProbeTCPQuality dials up's TCP upstream, opens a Shadowsocks stream to
// target and issues an HTTP HEAD request, reporting the round-trip time to
// the first byte of a response that looks like an HTTP status line.
// Grounded on the teacher's active_probe.go, rebuilt on internal/shadowsocks
// and internal/wsconn instead of go-shadowsocks2.
func ProbeTCPQuality(ctx context.Context, up UpstreamConfig, target string, fwmark uint32) (time.Duration, error) {
	start := time.Now()

	ciph, err := shadowsocks.NewCipher(up.Cipher, up.Secret)
	if err != nil {
		return 0, err
	}

	wsc, err := wsconn.Dial(ctx, up.TCPWSS, fwmark)
	if err != nil {
		return 0, err
	}
	defer wsc.Close(wsconn.StatusNormalClosure, "tcp-probe")

	conn := shadowsocks.NewConn(newStreamConn(ctx, wsc), ciph, true)
	defer conn.Close()

	tgt, err := shadowsocks.ParseAddr(target)
	if err != nil {
		return 0, err
	}
	if _, err := conn.Write(tgt); err != nil {
		return 0, err
	}

	host := target
	if h, _, e := net.SplitHostPort(target); e == nil {
		host = h
	}
	req := "HEAD / HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, err
	}

	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(conn, buf, 5)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(string(buf[:n]), "HTTP/") {
		return 0, errUnexpectedProbeResponse
	}

	return time.Since(start), nil
}

// ProbeUDPQuality dials up's UDP upstream and sends a DNS query for name,
// reporting the round-trip time to a response that echoes the same
// transaction ID with the QR response bit set.
func ProbeUDPQuality(ctx context.Context, up UpstreamConfig, dnsServer, name, dnstype string, fwmark uint32) (time.Duration, error) {
	start := time.Now()

	ciph, err := shadowsocks.NewCipher(up.Cipher, up.Secret)
	if err != nil {
		return 0, err
	}

	wsc, err := wsconn.Dial(ctx, up.UDPWSS, fwmark)
	if err != nil {
		return 0, err
	}
	defer wsc.Close(wsconn.StatusNormalClosure, "udp-probe")

	txid := uint16(time.Now().UnixNano())
	qtype := uint16(1)
	if strings.ToUpper(dnstype) == "AAAA" {
		qtype = 28
	}
	q := buildDNSQuery(txid, name, qtype)

	dst, err := shadowsocks.ParseAddr(dnsServer)
	if err != nil {
		return 0, err
	}
	plain := append(dst, q...)

	encrypted := make([]byte, len(plain)+ciph.SaltSize()+ciph.NonceSize()+16)
	n, err := ciph.Encrypt(encrypted, plain)
	if err != nil {
		return 0, err
	}
	if err := wsc.Write(ctx, wsconn.MessageBinary, encrypted[:n]); err != nil {
		return 0, err
	}

	for {
		_, data, err := wsc.Read(ctx)
		if err != nil {
			return 0, err
		}
		plain := make([]byte, len(data))
		pn, err := ciph.Decrypt(plain, data)
		if err != nil {
			continue
		}
		p := plain[:pn]

		_, _, off, err := parseAddrPrefix(p)
		if err != nil || off >= len(p) {
			continue
		}
		dns := p[off:]
		if len(dns) < 12 {
			continue
		}
		rxid := binary.BigEndian.Uint16(dns[0:2])
		flags := binary.BigEndian.Uint16(dns[2:4])
		if rxid == txid && (flags>>15)&1 == 1 {
			return time.Since(start), nil
		}
	}
}

func buildDNSQuery(txid uint16, name string, qtype uint16) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint16(b[0:2], txid)
	binary.BigEndian.PutUint16(b[2:4], 0x0100)
	binary.BigEndian.PutUint16(b[4:6], 1)
	for _, lab := range strings.Split(strings.TrimSuffix(name, "."), ".") {
		if len(lab) == 0 || len(lab) > 63 {
			continue
		}
		b = append(b, byte(len(lab)))
		b = append(b, []byte(lab)...)
	}
	b = append(b, 0x00)
	b = append(b, byte(qtype>>8), byte(qtype), 0x00, 0x01)
	return b
}

// parseAddrPrefix reads the Shadowsocks address header at the front of a
// decrypted UDP datagram, so the payload that follows it can be located.
func parseAddrPrefix(p []byte) (host string, port int, off int, err error) {
	a := socks.SplitAddr(p)
	if a == nil {
		return "", 0, 0, errUnexpectedProbeResponse
	}
	h, ps, err := net.SplitHostPort(a.String())
	if err != nil {
		return "", 0, 0, err
	}
	pn, err := strconv.Atoi(ps)
	if err != nil {
		return "", 0, 0, err
	}
	return h, pn, len(a), nil
}
