package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTypesFormatAndUnwrap(t *testing.T) {
	cause := errors.New("boom")

	cases := []struct {
		name string
		err  error
	}{
		{"config", NewConfigError("Field", "missing", cause)},
		{"protocol", NewProtocolError("bad frame", cause)},
		{"codec", NewCodecError("aes", "short ciphertext", cause)},
		{"transport", NewTransportError("dial", cause)},
		{"os", NewOsError("listen", cause)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Contains(t, c.err.Error(), "boom")
			require.ErrorIs(t, c.err, cause)
		})
	}
}

func TestTimeoutErrorHasNoWrappedCause(t *testing.T) {
	err := NewTimeoutError("request read")
	require.Contains(t, err.Error(), "request read")
	require.Nil(t, errors.Unwrap(err))
}

func TestWrapAttachesMessage(t *testing.T) {
	cause := errors.New("underlying")
	wrapped := Wrap(cause, "context")
	require.Error(t, wrapped)
	require.Contains(t, wrapped.Error(), "context")
	require.Contains(t, wrapped.Error(), "underlying")
}
