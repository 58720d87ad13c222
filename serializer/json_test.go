package serializer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONRoundTrip(t *testing.T) {
	var j JSON
	in := payload{Name: "ping", Count: 3}

	b, err := j.Marshal(in)
	require.NoError(t, err)

	var out payload
	require.NoError(t, j.Unmarshal(b, &out))
	require.Equal(t, in, out)
}

func TestJSONUnmarshalRejectsMalformedInput(t *testing.T) {
	var j JSON
	var out payload
	require.Error(t, j.Unmarshal([]byte("not json"), &out))
}
