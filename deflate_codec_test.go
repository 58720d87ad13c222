package pipemux

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeflateCodecRoundTrip(t *testing.T) {
	c := NewDeflateCodec()
	plaintext := []byte(strings.Repeat("compress me please ", 50))

	encoded, err := c.Encode(plaintext)
	require.NoError(t, err)
	require.Less(t, len(encoded), len(plaintext), "highly repetitive input should shrink")

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}

func TestDeflateCodecRejectsEmptyEncode(t *testing.T) {
	c := NewDeflateCodec()
	_, err := c.Encode(nil)
	require.Error(t, err)
}

func TestDeflateCodecRejectsGarbageDecode(t *testing.T) {
	c := NewDeflateCodec()
	_, err := c.Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.Error(t, err)
}
