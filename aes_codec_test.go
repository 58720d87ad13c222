package pipemux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESCodecRoundTrip(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)

	plaintext := []byte("ipc message payload")
	encoded, err := c.Encode(plaintext)
	require.NoError(t, err)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestAESCodecRotatesIVPerMessage(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)

	plaintext := []byte("identical plaintext, twice")
	first, err := c.Encode(plaintext)
	require.NoError(t, err)
	second, err := c.Encode(plaintext)
	require.NoError(t, err)

	require.NotEqual(t, first[:AESIVSize], second[:AESIVSize], "IV must change between encodes")
	require.NotEqual(t, first, second, "ciphertext must differ when the IV differs")

	decodedFirst, err := c.Decode(first)
	require.NoError(t, err)
	decodedSecond, err := c.Decode(second)
	require.NoError(t, err)
	require.Equal(t, plaintext, decodedFirst)
	require.Equal(t, plaintext, decodedSecond)
}

func TestAESCodecWithKeySharesKeyAcrossInstances(t *testing.T) {
	sender, err := NewAESCodec()
	require.NoError(t, err)

	receiver, err := NewAESCodecWithKey(sender.Key())
	require.NoError(t, err)

	plaintext := []byte("cross-instance decode")
	encoded, err := sender.Encode(plaintext)
	require.NoError(t, err)

	decoded, err := receiver.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestAESCodecRejectsEmptyEncode(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)
	_, err = c.Encode(nil)
	require.Error(t, err)
}

func TestAESCodecRejectsShortCiphertext(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)
	_, err = c.Decode(make([]byte, AESIVSize))
	require.Error(t, err)
}

func TestAESCodecRejectsWrongKeySize(t *testing.T) {
	_, err := NewAESCodecWithKey(make([]byte, 10))
	require.Error(t, err)
}

func TestAESCodecSetKeyChangesSubsequentEncodes(t *testing.T) {
	c, err := NewAESCodec()
	require.NoError(t, err)

	oldKey := c.Key()
	newKey := make([]byte, AESKeySize)
	copy(newKey, oldKey)
	newKey[0] ^= 0xFF
	require.NoError(t, c.SetKey(newKey))
	require.Equal(t, newKey, c.Key())

	plaintext := []byte("encoded under the new key")
	encoded, err := c.Encode(plaintext)
	require.NoError(t, err)

	receiver, err := NewAESCodecWithKey(newKey)
	require.NoError(t, err)
	decoded, err := receiver.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}
