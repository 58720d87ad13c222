package pipemux

import "time"

// Tunable parameter defaults.
const (
	// DefaultChannelBufferSize is the message buffer size used by a
	// standalone Duplex channel. The server multiplexer defaults smaller;
	// see server.DefaultMessageBufferSize.
	DefaultChannelBufferSize = 65536
	DefaultConnectionTimeout = 500 * time.Millisecond
	DefaultRequestTimeout    = 5 * time.Second
	DefaultUseEncryption     = true
	DefaultUseCompression    = true
)

// Mode selects which side of a pipe pair this Duplex plays, or whether
// it wraps an already-connected full-duplex stream.
type Mode int

const (
	// ModeClient attaches to a peer-created pipe.
	ModeClient Mode = iota
	// ModeServer creates and listens on a pipe.
	ModeServer
	// ModeStream wraps an externally supplied, already-connected
	// byte stream (used by the server multiplexer, which accepts its
	// own pipe halves before handing them to a Duplex).
	ModeStream
)

// PipeKind selects the underlying transport family.
type PipeKind int

const (
	// KindAnonymous is a short-lived, unnamed pipe used only by the
	// bootstrap handshake.
	KindAnonymous PipeKind = iota
	// KindNamed is a long-lived named pipe addressed by string id.
	KindNamed
	// KindRawStream wraps an externally supplied transport.Pipe.
	KindRawStream
)

// Direction constrains which halves of a pipe pair a Duplex may use.
type Direction int

const (
	DirIn Direction = iota
	DirOut
	DirInOut
)
