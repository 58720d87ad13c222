package wirekey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	iv := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range iv {
		iv[i] = byte(i + 1)
	}

	packed, err := Pack(key, iv)
	require.NoError(t, err)
	require.Len(t, packed, Size)

	gotKey, gotIV, err := Unpack(packed)
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Equal(t, iv, gotIV)
}

func TestPackRejectsWrongSizes(t *testing.T) {
	_, err := Pack(make([]byte, 10), make([]byte, 16))
	require.Error(t, err)

	_, err = Pack(make([]byte, 32), make([]byte, 10))
	require.Error(t, err)
}

func TestUnpackRejectsWrongSize(t *testing.T) {
	_, _, err := Unpack(make([]byte, 47))
	require.Error(t, err)
}
