package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kamaroh/pipemux/transport"
)

// Default tunables.
const (
	DefaultMessageBufferSize = 4096
	DefaultMaxClients        = 16
)

// ListenFunc creates a transport.Listener bound to the given pipe
// address. Keeping this a function injected by the caller, rather than
// the server importing a concrete transport package, keeps host pipe
// creation an external collaborator.
type ListenFunc func(address string) (transport.Listener, error)

// Handler is invoked once per inbound message, on the connection's own
// read-loop goroutine, so a returned response is written back before
// the next message on that same connection is read. Returning ok=false
// sends no reply.
type Handler func(connID ConnID, request []byte) (response []byte, ok bool)

// ConnID names one connected client, stable for the lifetime of that
// connection.
type ConnID = [16]byte

// Hooks are the server's observable events. Every hook is optional;
// nil hooks are simply not called. They run synchronously on whichever
// loop raised them, so keep them fast.
type Hooks struct {
	OnServerStarted        func()
	OnServerStopped        func()
	OnClientConnected      func(ConnID)
	OnClientDisconnected   func(ConnID)
	OnMessageLoopException func(ConnID, error)
}

// Config configures a Server.
type Config struct {
	// PipeBaseName is the base pipe name; the server listens on
	// PipeBaseName+"-IN" and PipeBaseName+"-OUT".
	PipeBaseName string
	Listen       ListenFunc

	MaxClients        int
	MessageBufferSize int

	UseEncryption  bool
	UseCompression bool
	// EncryptionKey, if set, must be 32 bytes and is shared by every
	// connection. The multiplexer alone has no key exchange of its own;
	// pair it with package bootstrap to hand out a fresh key per spawn
	// instead. A nil key means "generate one random key at Start and
	// keep it for the server's lifetime."
	EncryptionKey []byte

	Handler Handler
	Hooks   Hooks

	Logger zerolog.Logger

	// ShutdownDrainTimeout bounds Stop's wait for in-flight clients to
	// finish disconnecting.
	ShutdownDrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.MessageBufferSize <= 0 {
		c.MessageBufferSize = DefaultMessageBufferSize
	}
	if c.ShutdownDrainTimeout <= 0 {
		c.ShutdownDrainTimeout = 1000 * time.Millisecond
	}
}
