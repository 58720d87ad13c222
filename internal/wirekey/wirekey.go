// Package wirekey implements the 48-byte packed key-material format used
// only by the bootstrap handshake. The main channel never uses this
// format for per-message framing; it prepends a fresh IV to every
// ciphertext instead (see the root package's AESCodec), so this package
// implements only the pack/unpack step, not a decoder for that format.
package wirekey

import "fmt"

// Size is the total length of a packed key: a 32-byte AES-256 key
// followed by a 16-byte IV.
const Size = 48

const (
	keySize = 32
	ivSize  = 16
)

// Pack concatenates key and iv into the 48-byte wire form.
func Pack(key, iv []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("wirekey: key must be %d bytes, got %d", keySize, len(key))
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("wirekey: iv must be %d bytes, got %d", ivSize, len(iv))
	}
	out := make([]byte, Size)
	copy(out[:keySize], key)
	copy(out[keySize:], iv)
	return out, nil
}

// Unpack splits a 48-byte wire-form buffer back into key and iv.
func Unpack(packed []byte) (key, iv []byte, err error) {
	if len(packed) != Size {
		return nil, nil, fmt.Errorf("wirekey: packed key material must be %d bytes, got %d", Size, len(packed))
	}
	key = append([]byte(nil), packed[:keySize]...)
	iv = append([]byte(nil), packed[keySize:]...)
	return key, iv, nil
}
