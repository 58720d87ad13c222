package client

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kamaroh/pipemux/transport"
)

// Default tunables.
const (
	DefaultMessageBufferSize        = 4096
	DefaultConnectionTimeout        = 500 * time.Millisecond
	DefaultReconnectPollingInterval = 500 * time.Millisecond
)

// Handler is invoked once per inbound message on the client's own
// message-loop goroutine.
type Handler func(request []byte) (response []byte, ok bool)

// Hooks are the client's observable events. Every hook is optional.
type Hooks struct {
	OnServerConnected      func()
	OnServerDisconnected   func()
	OnMessageLoopException func(error)
	OnClientStopped        func()
}

// Config configures a Client.
type Config struct {
	// PipeBaseName is the base pipe name the server listens on; the
	// client dials PipeBaseName+"-IN" (to write) and PipeBaseName+"-OUT"
	// (to read), the mirror image of server.Config. Dial is the
	// transport.Dialer used for both halves, injected so host pipe
	// creation stays an external collaborator.
	PipeBaseName string
	Dial         transport.Dialer

	MessageBufferSize int
	ConnectionTimeout time.Duration

	// ReconnectPollingInterval > 0 selects polling-reconnect mode; 0
	// selects one-shot mode.
	ReconnectPollingInterval time.Duration
	// ReconnectJitter is applied multiplicatively to
	// ReconnectPollingInterval to avoid thundering-herd reconnects when
	// several client processes are spawned by the same parent together.
	// 0 disables jitter.
	ReconnectJitter float64

	UseEncryption  bool
	UseCompression bool
	// EncryptionKey must be 32 bytes if set; a client dialing a
	// server.Config with a generated key has no way to learn it out of
	// band, so this is normally used only against a server configured
	// with the same pre-shared EncryptionKey. For key exchange without
	// a pre-shared secret, use package bootstrap instead.
	EncryptionKey []byte

	Handler Handler
	Hooks   Hooks

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MessageBufferSize <= 0 {
		c.MessageBufferSize = DefaultMessageBufferSize
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
}
