// Package transport defines the narrow interface pipemux needs from a
// host OS pipe primitive, and ships one reference implementation for
// local development and tests plus a Windows named-pipe implementation.
// The host OS pipe itself is treated as an external collaborator: the
// rest of pipemux only ever sees the Pipe/Listener interfaces below,
// never a concrete transport.
package transport

import (
	"context"
	"io"
)

// Pipe is a single unidirectional or bidirectional OS byte-stream
// handle. Its Read semantics match a message-mode named pipe: a Read
// call may return fewer bytes than requested to mark the end of one
// logical message; it never blocks past a message boundary to fill the
// caller's buffer.
type Pipe interface {
	io.Reader
	io.Writer
	io.Closer

	// Connected reports whether the underlying stream is currently
	// attached to a live peer.
	Connected() bool
}

// Listener accepts inbound Pipe connections, one at a time. Implementations
// of Accept must be cancellable via ctx so a server can tear down its
// accept loop without leaking a blocked OS call.
type Listener interface {
	Accept(ctx context.Context) (Pipe, error)
	Close() error
}

// Dialer attaches to an existing named pipe as a client.
type Dialer interface {
	Dial(ctx context.Context, name string) (Pipe, error)
}
