package pipemux

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"

	"github.com/kamaroh/pipemux/errs"
)

const (
	// AESKeySize is the fixed AES-256 key length in bytes.
	AESKeySize = 32
	// AESIVSize is the fixed AES block size used as the CBC IV, in bytes.
	AESIVSize = 16
)

// AESCodec implements AES-256-CBC with PKCS#7 padding and a fresh,
// randomly generated IV on every Encode call. The IV is prepended to the
// ciphertext so the peer never needs an out-of-band IV-sync step. Encode
// rotates the IV after every call, so successive encodings of identical
// plaintext never collide.
//
// Decode is stateless apart from the key: it reads the IV out of the
// front of whatever ciphertext it is handed.
type AESCodec struct {
	base

	mu  sync.Mutex
	key [AESKeySize]byte
	iv  [AESIVSize]byte
}

// NewAESCodec returns a codec seeded with a fresh random key and IV from
// crypto/rand.
func NewAESCodec() (*AESCodec, error) {
	c := &AESCodec{}
	c.self = c
	if _, err := rand.Read(c.key[:]); err != nil {
		return nil, errs.NewOsError("aes key generation", err)
	}
	if err := c.rotateIV(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewAESCodecWithKey returns a codec that adopts the given 32-byte key
// and generates a fresh IV.
func NewAESCodecWithKey(key []byte) (*AESCodec, error) {
	if len(key) != AESKeySize {
		return nil, errs.NewConfigError("key", "AES key must be 32 bytes", nil)
	}
	c := &AESCodec{}
	c.self = c
	copy(c.key[:], key)
	if err := c.rotateIV(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AESCodec) rotateIV() error {
	if _, err := rand.Read(c.iv[:]); err != nil {
		return errs.NewOsError("aes iv generation", err)
	}
	return nil
}

// Key returns a copy of the current 32-byte key.
func (c *AESCodec) Key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := make([]byte, AESKeySize)
	copy(k, c.key[:])
	return k
}

// SetKey replaces the key. The current IV is left untouched; a fresh IV
// is still rotated in on the next Encode.
func (c *AESCodec) SetKey(key []byte) error {
	if len(key) != AESKeySize {
		return errs.NewConfigError("key", "AES key must be 32 bytes", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.key[:], key)
	return nil
}

// Encode encrypts m under AES-256-CBC with the current (key, iv), PKCS#7
// pads m to the block size, prepends the IV used, then rotates to a
// fresh IV before returning.
func (c *AESCodec) Encode(m []byte) ([]byte, error) {
	if len(m) == 0 {
		return nil, errs.NewCodecError("aes", "encode of empty input", nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, errs.NewCodecError("aes", "new cipher", err)
	}

	padded := pkcs7Pad(m, block.BlockSize())
	out := make([]byte, AESIVSize+len(padded))
	copy(out[:AESIVSize], c.iv[:])

	mode := cipher.NewCBCEncrypter(block, c.iv[:])
	mode.CryptBlocks(out[AESIVSize:], padded)

	if err := c.rotateIV(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode reads the first AESIVSize bytes of ciphertext as the IV, decrypts the
// remainder under the stored key, and strips the PKCS#7 padding.
func (c *AESCodec) Decode(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < AESIVSize+1 {
		return nil, errs.NewCodecError("aes", "ciphertext shorter than IV", nil)
	}
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.NewCodecError("aes", "new cipher", err)
	}

	iv := ciphertext[:AESIVSize]
	body := ciphertext[AESIVSize:]
	if len(body)%block.BlockSize() != 0 {
		return nil, errs.NewCodecError("aes", "ciphertext not block-aligned", nil)
	}

	out := make([]byte, len(body))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, body)

	unpadded, err := pkcs7Unpad(out, block.BlockSize())
	if err != nil {
		return nil, errs.NewCodecError("aes", "bad padding", err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte(nil), data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errs.NewCodecError("aes", "invalid padded length", nil)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errs.NewCodecError("aes", "invalid padding length", nil)
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errs.NewCodecError("aes", "invalid padding bytes", nil)
		}
	}
	return data[:n-padLen], nil
}
