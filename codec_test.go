package pipemux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type passthroughCodec struct {
	base
	tag byte
}

func (c *passthroughCodec) Encode(b []byte) ([]byte, error) {
	return append(append([]byte{}, b...), c.tag), nil
}

func (c *passthroughCodec) Decode(b []byte) ([]byte, error) {
	return b[:len(b)-1], nil
}

func newPassthrough(tag byte) *passthroughCodec {
	c := &passthroughCodec{tag: tag}
	c.self = c
	return c
}

func TestCompositeEncodeAppliesInOrder(t *testing.T) {
	comp := NewComposite(newPassthrough(1), newPassthrough(2))
	out, err := comp.Encode([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte{'h', 'i', 1, 2}, out)
}

func TestCompositeDecodeAppliesInReverse(t *testing.T) {
	comp := NewComposite(newPassthrough(1), newPassthrough(2))
	encoded, err := comp.Encode([]byte("hi"))
	require.NoError(t, err)

	decoded, err := comp.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), decoded)
}

func TestCompositeEncodeRejectsEmptyInput(t *testing.T) {
	comp := NewComposite(newPassthrough(1))
	_, err := comp.Encode(nil)
	require.Error(t, err)
}

func TestCompositeRoundTripWithRealCodecs(t *testing.T) {
	aesCodec, err := NewAESCodec()
	require.NoError(t, err)
	comp := NewComposite(NewDeflateCodec(), aesCodec)

	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	encoded, err := comp.Encode(plaintext)
	require.NoError(t, err)

	decoded, err := comp.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)
}
