package shadowsocks

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"

	"github.com/shadowsocks/go-shadowsocks2/socks"
)

type Conn struct {
	net.Conn
	cipher   Cipher
	salt     []byte
	isClient bool
}

func NewConn(conn net.Conn, cipher Cipher, isClient bool) *Conn {
	return &Conn{
		Conn:     conn,
		cipher:   cipher,
		isClient: isClient,
	}
}

func (c *Conn) Write(b []byte) (n int, err error) {
	encrypted := make([]byte, len(b)+c.cipher.SaltSize()+c.cipher.NonceSize()+16)

	// The client sends its salt exactly once, ahead of the first payload.
	// A server-side Conn (isClient false) writes no salt at all; each of
	// its messages carries only the AEAD construction's per-message nonce.
	if c.isClient && c.salt == nil && c.cipher.SaltSize() > 0 {
		salt := make([]byte, c.cipher.SaltSize())
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return 0, err
		}
		c.salt = salt
		if _, err := c.Conn.Write(salt); err != nil {
			return 0, err
		}
	}

	encryptedLen, err := c.cipher.Encrypt(encrypted, b)
	if err != nil {
		return 0, err
	}
	return c.Conn.Write(encrypted[:encryptedLen])
}

func (c *Conn) Read(b []byte) (n int, err error) {
	if c.isClient && c.cipher.SaltSize() > 0 && c.salt == nil {
		salt := make([]byte, c.cipher.SaltSize())
		if _, err := io.ReadFull(c.Conn, salt); err != nil {
			return 0, err
		}
		c.salt = salt
	}

	encrypted := make([]byte, 4096)
	n, err = c.Conn.Read(encrypted)
	if err != nil {
		return 0, err
	}
	return c.cipher.Decrypt(b, encrypted[:n])
}

// ParseAddr encodes addr as a Shadowsocks target-address header
// (ATYP + address + port), the same wire shape SOCKS5 uses for DST.ADDR.
func ParseAddr(addr string) ([]byte, error) {
	a := socks.ParseAddr(addr)
	if a == nil {
		return nil, fmt.Errorf("shadowsocks: invalid address %q", addr)
	}
	return a, nil
}
