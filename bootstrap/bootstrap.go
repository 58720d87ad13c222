// Package bootstrap implements the combined-channel handshake: a
// short-lived anonymous pipe carries a symmetric key from the process
// that spawns a peer to that peer, with no prior shared secret, after
// which both sides switch to an encrypted, compressed named-pipe
// channel built on the root pipemux package's Duplex.
package bootstrap

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamaroh/pipemux"
	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/internal/wirekey"
	"github.com/kamaroh/pipemux/transport"
)

// DefaultWatchdog is the client-side timeout on the whole handshake.
const DefaultWatchdog = 5 * time.Second

// Option configures a Server or Client.
type Option func(*options)

type options struct {
	log            zerolog.Logger
	useCompression bool
}

// WithLogger attaches a zerolog.Logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithCompression enables the DEFLATE stage on the resulting channel, on
// top of the mandatory AES stage. Default: enabled.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.useCompression = enabled }
}

func buildOptions(opts ...Option) options {
	o := options{useCompression: pipemux.DefaultUseCompression}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Server is the spawner's side of the handshake: it owns the anonymous
// pipe that ships the key pack, and the named Duplex the caller
// ultimately talks over.
type Server struct {
	anonListener  transport.Listener
	InitialPipeID string
	Channel       *pipemux.Duplex
	log           zerolog.Logger
}

// NewServer constructs the server role. anonListener/initialPipeID are
// the already-created anonymous pipe and its identifier string;
// namedListener/namedPipeName back the main channel. The channel is
// given a fresh random AES-256 key that is written to the anonymous
// pipe by Start/Reinitialize.
func NewServer(anonListener transport.Listener, initialPipeID string, namedListener transport.Listener, namedPipeName string, opts ...Option) (*Server, error) {
	o := buildOptions(opts...)

	channel, err := pipemux.New(pipemux.ModeServer, pipemux.KindNamed, pipemux.DirInOut, namedPipeName,
		pipemux.WithListener(namedListener), pipemux.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	if _, err := channel.EnableEncryption(); err != nil {
		return nil, err
	}
	if o.useCompression {
		channel.EnableCompression()
	}

	return &Server{
		anonListener:  anonListener,
		InitialPipeID: initialPipeID,
		Channel:       channel,
		log:           o.log,
	}, nil
}

// Start sends the key pack once and starts the main channel.
func (s *Server) Start(ctx context.Context) error {
	if err := s.sendKeyPack(ctx); err != nil {
		return err
	}
	return s.Channel.Start(ctx)
}

// Reinitialize re-sends the key pack on the anonymous pipe. Used when
// the spawned child process has been replaced and needs to re-derive
// the session key without tearing down the already-running main
// channel.
func (s *Server) Reinitialize(ctx context.Context) error {
	return s.sendKeyPack(ctx)
}

func (s *Server) sendKeyPack(ctx context.Context) error {
	pack, err := s.Channel.KeyData()
	if err != nil {
		return err
	}
	p, err := s.anonListener.Accept(ctx)
	if err != nil {
		return errs.NewTransportError("bootstrap accept", err)
	}
	defer p.Close()
	if _, err := p.Write(pack); err != nil {
		return errs.NewTransportError("bootstrap key write", err)
	}
	return nil
}

// Close tears down the anonymous listener and the main channel.
func (s *Server) Close() error {
	_ = s.anonListener.Close()
	return s.Channel.Close()
}

// Client is the spawned process's side of the handshake.
type Client struct {
	Channel *pipemux.Duplex
	log     zerolog.Logger
}

// Connect attaches to the anonymous pipe identified by anonID via
// anonDialer, reads the 48-byte key pack, then constructs and connects
// the named channel. The whole sequence is bounded by watchdog; a zero
// watchdog uses DefaultWatchdog.
func Connect(ctx context.Context, anonDialer transport.Dialer, anonID string, namedDialer transport.Dialer, namedPipeName string, watchdog time.Duration, opts ...Option) (*Client, error) {
	o := buildOptions(opts...)
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}

	wctx, cancel := context.WithTimeout(ctx, watchdog)
	defer cancel()

	anonPipe, err := anonDialer.Dial(wctx, anonID)
	if err != nil {
		return nil, errs.NewTimeoutError("bootstrap anonymous pipe attach")
	}
	defer anonPipe.Close()

	pack, err := readFullCtx(wctx, anonPipe, wirekey.Size)
	if err != nil {
		return nil, errs.NewTimeoutError("bootstrap key read")
	}
	key, _, err := wirekey.Unpack(pack)
	if err != nil {
		return nil, errs.NewCodecError("bootstrap", "malformed key pack", err)
	}

	channel, err := pipemux.New(pipemux.ModeClient, pipemux.KindNamed, pipemux.DirInOut, namedPipeName,
		pipemux.WithDialer(namedDialer), pipemux.WithLogger(o.log))
	if err != nil {
		return nil, err
	}
	// The transmitted IV belongs to the legacy fixed-IV wire format and
	// is discarded here: this channel uses the codec path's
	// fresh-IV-per-message scheme, so EnableEncryptionWithKey generates
	// its own first IV.
	if _, err := channel.EnableEncryptionWithKey(key); err != nil {
		return nil, err
	}
	if o.useCompression {
		channel.EnableCompression()
	}

	if err := channel.Start(wctx); err != nil {
		return nil, errs.NewTimeoutError("bootstrap channel connect")
	}

	return &Client{Channel: channel, log: o.log}, nil
}

// Request writes data and blocks for exactly one reply, both bounded by
// timeout.
func (c *Client) Request(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.writeCtx(tctx, data); err != nil {
		return nil, err
	}
	return c.readCtx(tctx)
}

// Notify writes data without waiting for a reply, bounded by timeout.
func (c *Client) Notify(ctx context.Context, data []byte, timeout time.Duration) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.writeCtx(tctx, data)
}

func (c *Client) writeCtx(ctx context.Context, data []byte) error {
	done := make(chan error, 1)
	go func() { done <- c.Channel.WriteBytes(data) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Unblock the pending write by tearing down the stream; the
		// same policy applies to a stuck read.
		_ = c.Channel.Close()
		return errs.NewTimeoutError("request write")
	}
}

func (c *Client) readCtx(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.Channel.ReadBytes()
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		_ = c.Channel.Close()
		return nil, errs.NewTimeoutError("request read")
	}
}

// Close tears down the main channel.
func (c *Client) Close() error {
	return c.Channel.Close()
}

// readFullCtx reads exactly n bytes from p, honoring ctx cancellation by
// abandoning (not closing) the read goroutine if the deadline elapses
// first. The caller is expected to close the pipe itself.
func readFullCtx(ctx context.Context, p transport.Pipe, n int) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, n)
		_, err := io.ReadFull(p, buf)
		done <- result{buf, err}
	}()
	select {
	case r := <-done:
		return r.buf, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
