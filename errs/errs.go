// Package errs defines the typed error taxonomy shared by every pipemux
// component. Each type except TimeoutError keeps an inner cause and
// exposes it through Unwrap, so callers can switch on the concrete type
// with errors.As and reach the cause with errors.Is or errors.Unwrap.
// The types have no Cause method, so errors.Cause from
// github.com/pkg/errors stops at the typed error rather than its cause.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigError reports an invalid or missing configuration value: a base
// pipe name that was never set, an invalid direction, a stream-mode
// invariant violation.
type ConfigError struct {
	Field string
	Msg   string
	cause error
}

func (e *ConfigError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("pipemux: config error: %s: %s: %v", e.Field, e.Msg, e.cause)
	}
	return fmt.Sprintf("pipemux: config error: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.cause }

// NewConfigError builds a ConfigError, optionally wrapping cause.
func NewConfigError(field, msg string, cause error) *ConfigError {
	return &ConfigError{Field: field, Msg: msg, cause: cause}
}

// ProtocolError reports a violation of the wire protocol: an empty
// dispatch, a message exceeding the buffer size, a missing key when
// decryption is enabled.
type ProtocolError struct {
	Msg   string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("pipemux: protocol error: %s: %v", e.Msg, e.cause)
	}
	return fmt.Sprintf("pipemux: protocol error: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// NewProtocolError builds a ProtocolError, optionally wrapping cause.
func NewProtocolError(msg string, cause error) *ProtocolError {
	return &ProtocolError{Msg: msg, cause: cause}
}

// CodecError reports a codec-level failure: AES padding mismatch, a
// malformed DEFLATE stream, ciphertext shorter than one IV.
type CodecError struct {
	Codec string
	Msg   string
	cause error
}

func (e *CodecError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("pipemux: codec error: %s: %s: %v", e.Codec, e.Msg, e.cause)
	}
	return fmt.Sprintf("pipemux: codec error: %s: %s", e.Codec, e.Msg)
}

func (e *CodecError) Unwrap() error { return e.cause }

// NewCodecError builds a CodecError, optionally wrapping cause.
func NewCodecError(codec, msg string, cause error) *CodecError {
	return &CodecError{Codec: codec, Msg: msg, cause: cause}
}

// TimeoutError reports a user-visible timeout: the bootstrap key read, a
// request/notify round trip, connection establishment.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pipemux: timeout: %s", e.Op)
}

// NewTimeoutError builds a TimeoutError for the named operation.
func NewTimeoutError(op string) *TimeoutError {
	return &TimeoutError{Op: op}
}

// TransportError reports a failure of the underlying pipe I/O. It may be
// recoverable by a reconnect loop.
type TransportError struct {
	Op    string
	cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pipemux: transport error: %s: %v", e.Op, e.cause)
}

func (e *TransportError) Unwrap() error { return e.cause }

// NewTransportError wraps cause as a TransportError for the named op.
func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{Op: op, cause: cause}
}

// OsError reports an ACL or handle-creation failure. Fatal to the
// affected endpoint.
type OsError struct {
	Op    string
	cause error
}

func (e *OsError) Error() string {
	return fmt.Sprintf("pipemux: os error: %s: %v", e.Op, e.cause)
}

func (e *OsError) Unwrap() error { return e.cause }

// NewOsError wraps cause as an OsError for the named op.
func NewOsError(op string, cause error) *OsError {
	return &OsError{Op: op, cause: cause}
}

// Wrap is a thin re-export of errors.Wrap so callers elsewhere in the
// module don't need a second import for the common case of attaching a
// message to an arbitrary error before it is classified above.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}
