package wsconn

import (
	"crypto/tls"
	"net"
	"net/http"
	"syscall"
	"time"

	"context"
)

// Dial opens a WebSocket connection to rawurl, the classic HTTP/1.1 upgrade
// handshake, with fwmark applied to the underlying socket when non-zero so
// the kernel can policy-route the upstream dial away from the tunnel
// itself.
func Dial(ctx context.Context, rawurl string, fwmark uint32) (Conn, error) {
	d := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = setSocketMark(fd, fwmark)
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}
	tr := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: d.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return dialCoderWebSocket(ctx, rawurl, tr)
}

// Probe verifies that a WebSocket handshake to rawurl succeeds and reports
// how long it took, for internal/refdialer's active health checks.
func Probe(ctx context.Context, rawurl string, fwmark uint32) (time.Duration, error) {
	start := time.Now()
	c, err := Dial(ctx, rawurl, fwmark)
	if err != nil {
		return 0, err
	}
	_ = c.Close(StatusNormalClosure, "probe")
	return time.Since(start), nil
}
