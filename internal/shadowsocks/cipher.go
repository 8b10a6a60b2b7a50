// Package shadowsocks implements the AEAD/stream ciphers internal/refdialer
// uses to wrap its WebSocket upstream connections, adapted from the
// teacher's internal/shadowsocks/cipher.go: same EVP_BytesToKey derivation,
// same Cipher interface and method set.
package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher is one Shadowsocks encryption method: either an AEAD construction
// (password-derived key, random nonce per message) or the legacy CFB stream
// cipher.
type Cipher interface {
	Encrypt(dst, src []byte) (int, error)
	Decrypt(dst, src []byte) (int, error)
	KeySize() int
	SaltSize() int
	NonceSize() int
}

// AEADCipher wraps an AES-GCM or ChaCha20-Poly1305 construction; each
// Encrypt call prepends a fresh random nonce to dst.
type AEADCipher struct {
	cipher cipher.AEAD
}

func (c *AEADCipher) Encrypt(dst, src []byte) (int, error) {
	if len(dst) < len(src)+c.cipher.NonceSize()+c.cipher.Overhead() {
		return 0, fmt.Errorf("shadowsocks: destination buffer too small")
	}
	nonce := make([]byte, c.cipher.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return 0, err
	}
	copy(dst, nonce)
	sealed := c.cipher.Seal(dst[:len(nonce)], nonce, src, nil)
	return len(sealed), nil
}

func (c *AEADCipher) Decrypt(dst, src []byte) (int, error) {
	if len(src) < c.cipher.NonceSize() {
		return 0, fmt.Errorf("shadowsocks: ciphertext too short")
	}
	nonce := src[:c.cipher.NonceSize()]
	ciphertext := src[c.cipher.NonceSize():]
	plaintext, err := c.cipher.Open(dst[:0], nonce, ciphertext, nil)
	if err != nil {
		return 0, err
	}
	return len(plaintext), nil
}

func (c *AEADCipher) KeySize() int   { return 32 }
func (c *AEADCipher) SaltSize() int  { return 32 }
func (c *AEADCipher) NonceSize() int { return c.cipher.NonceSize() }

// StreamCipher is the legacy AES-256-CFB construction: no per-message
// framing, just a running keystream shared by both directions of a conn.
type StreamCipher struct {
	encryptStream cipher.Stream
	decryptStream cipher.Stream
}

func (c *StreamCipher) Encrypt(dst, src []byte) (int, error) {
	c.encryptStream.XORKeyStream(dst, src)
	return len(src), nil
}

func (c *StreamCipher) Decrypt(dst, src []byte) (int, error) {
	c.decryptStream.XORKeyStream(dst, src)
	return len(src), nil
}

func (c *StreamCipher) KeySize() int   { return 32 }
func (c *StreamCipher) SaltSize() int  { return 0 }
func (c *StreamCipher) NonceSize() int { return 0 }

// NewCipher builds the cipher named by method, deriving its key from
// password via evpBytesToKey, an EVP_BytesToKey-style derivation that
// hashes with SHA1 rather than OpenSSL's MD5.
func NewCipher(method, password string) (Cipher, error) {
	switch strings.ToLower(method) {
	case "aes-256-gcm":
		return newAESGCM(32, password)
	case "aes-128-gcm":
		return newAESGCM(16, password)
	case "chacha20-ietf-poly1305":
		return newChaCha20Poly1305(password)
	case "aes-256-cfb":
		return newAES256CFB(password)
	default:
		return nil, fmt.Errorf("shadowsocks: unsupported method %q", method)
	}
}

func newAESGCM(keySize int, password string) (Cipher, error) {
	key := evpBytesToKey(keySize, password)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEADCipher{cipher: aead}, nil
}

func newChaCha20Poly1305(password string) (Cipher, error) {
	key := evpBytesToKey(32, password)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEADCipher{cipher: aead}, nil
}

func newAES256CFB(password string) (Cipher, error) {
	key := evpBytesToKey(32, password)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	return &StreamCipher{
		encryptStream: cipher.NewCFBEncrypter(block, iv),
		decryptStream: cipher.NewCFBDecrypter(block, iv),
	}, nil
}

// evpBytesToKey reproduces OpenSSL's EVP_BytesToKey(password) -> key
// derivation (MD5-free variant using SHA1, matching the teacher).
func evpBytesToKey(keySize int, password string) []byte {
	var digest, prev []byte
	for len(digest) < keySize {
		h := sha1.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		digest = append(digest, prev...)
	}
	return digest[:keySize]
}
