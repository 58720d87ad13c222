package pipemux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/internal/wirekey"
	"github.com/kamaroh/pipemux/transport"
)

// DefaultWriteCacheCap bounds the number of messages a not-yet-connected
// server-side Duplex will buffer before it starts failing writes with a
// ProtocolError, rather than leaving server memory unbounded under a
// client that never shows up.
const DefaultWriteCacheCap = 256

// DataEvent is delivered to a Duplex's accept/read loop for every
// message received while a handler is attached. The handler must send
// exactly one value on Reply (nil for "no response") before the loop
// proceeds to the next message, keeping writes ordered before the next
// read on the same connection.
type DataEvent struct {
	Request []byte
	Reply   chan<- []byte
}

// Duplex pairs one or two transport.Pipe halves into a single logical,
// optionally compressed, optionally encrypted, message-framed channel.
type Duplex struct {
	mode      Mode
	kind      PipeKind
	direction Direction
	id        string

	bufferSize int

	inPipe  transport.Pipe
	outPipe transport.Pipe

	listener transport.Listener
	dialer   transport.Dialer

	codec      Codec
	aes        *AESCodec
	serializer Serializer

	log zerolog.Logger

	writeCacheMu  sync.Mutex
	writeCache    [][]byte
	writeCacheCap int

	mu    sync.RWMutex
	ready bool

	dataReceived       chan DataEvent
	clientDisconnected chan struct{}

	closed int32
	cancel context.CancelFunc
}

// Option configures a Duplex at construction time.
type Option func(*Duplex)

// WithBufferSize overrides DefaultChannelBufferSize.
func WithBufferSize(n int) Option {
	return func(d *Duplex) { d.bufferSize = n }
}

// WithCodec installs an explicit codec chain, overriding the
// compression/encryption defaults. Passing nil means "no codec", i.e.
// bytes travel on the wire unmodified.
func WithCodec(c Codec) Option {
	return func(d *Duplex) { d.codec = c }
}

// WithSerializer installs the Serializer used by WriteValue/ReadValue.
func WithSerializer(s Serializer) Option {
	return func(d *Duplex) { d.serializer = s }
}

// WithWriteCacheCap overrides DefaultWriteCacheCap. A cap of 0 disables
// the write cache entirely: writes before a client connects fail
// immediately with a ProtocolError instead of queuing.
func WithWriteCacheCap(n int) Option {
	return func(d *Duplex) { d.writeCacheCap = n }
}

// WithLogger attaches a zerolog.Logger; the zero value is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Duplex) { d.log = l }
}

// WithListener supplies the transport.Listener a ModeServer Duplex uses
// in Start to begin accepting.
func WithListener(l transport.Listener) Option {
	return func(d *Duplex) { d.listener = l }
}

// WithDialer supplies the transport.Dialer a ModeClient Duplex uses in
// Start to connect.
func WithDialer(dl transport.Dialer) Option {
	return func(d *Duplex) { d.dialer = dl }
}

// New builds a Duplex in the given mode/kind/direction, identified by
// id (a pipe name, or the anonymous pipe's handle string). listener and
// dialer are the transport primitives used when the Duplex itself needs
// to accept or connect (ModeServer / ModeClient); they are unused in
// ModeStream, where pre-connected pipes are supplied via Attach.
func New(mode Mode, kind PipeKind, direction Direction, id string, opts ...Option) (*Duplex, error) {
	if kind == KindNamed && id == "" {
		return nil, errs.NewConfigError("id", "base pipe name not set", nil)
	}
	if direction != DirIn && direction != DirOut && direction != DirInOut {
		return nil, errs.NewConfigError("direction", "invalid direction", nil)
	}

	d := &Duplex{
		mode:               mode,
		kind:               kind,
		direction:          direction,
		id:                 id,
		bufferSize:         DefaultChannelBufferSize,
		writeCacheCap:      DefaultWriteCacheCap,
		dataReceived:       make(chan DataEvent, 1),
		clientDisconnected: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Attach wires pre-connected transport.Pipe halves into a ModeStream
// Duplex. Used by the server multiplexer, which owns its own accept
// loop and listener pool and only needs the framing and codec
// machinery here on top of pipes it already accepted.
func (d *Duplex) Attach(in, out transport.Pipe) {
	d.mu.Lock()
	d.inPipe = in
	d.outPipe = out
	d.ready = true
	d.mu.Unlock()
}

// EnableCompression installs (or replaces) a DEFLATE stage in the codec
// chain, ordered before encryption.
func (d *Duplex) EnableCompression() {
	d.rebuildCodec(NewDeflateCodec(), nil)
}

// EnableEncryption installs (or replaces) an AES stage, generating a
// fresh random key, and returns the codec so callers (notably the
// bootstrap handshake) can read its key material.
func (d *Duplex) EnableEncryption() (*AESCodec, error) {
	aesCodec, err := NewAESCodec()
	if err != nil {
		return nil, err
	}
	d.rebuildCodec(nil, aesCodec)
	return aesCodec, nil
}

// EnableEncryptionWithKey is EnableEncryption using a caller-supplied
// 32-byte key, as used by the client side of the bootstrap handshake.
func (d *Duplex) EnableEncryptionWithKey(key []byte) (*AESCodec, error) {
	aesCodec, err := NewAESCodecWithKey(key)
	if err != nil {
		return nil, err
	}
	d.rebuildCodec(nil, aesCodec)
	return aesCodec, nil
}

func (d *Duplex) rebuildCodec(deflate *DeflateCodec, aesCodec *AESCodec) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var have struct {
		deflate *DeflateCodec
		aes     *AESCodec
	}
	if comp, ok := d.codec.(*Composite); ok {
		for _, inner := range comp.inner {
			switch v := inner.(type) {
			case *DeflateCodec:
				have.deflate = v
			case *AESCodec:
				have.aes = v
			}
		}
	}
	if deflate != nil {
		have.deflate = deflate
	}
	if aesCodec != nil {
		have.aes = aesCodec
		d.aes = aesCodec
	}

	var chain []Codec
	if have.deflate != nil {
		chain = append(chain, have.deflate)
	}
	if have.aes != nil {
		chain = append(chain, have.aes)
	}
	d.codec = NewComposite(chain...)
}

// KeyData lazily initializes encryption if it is not already enabled,
// and returns the 48-byte packed key material used by the bootstrap
// handshake.
func (d *Duplex) KeyData() ([]byte, error) {
	d.mu.RLock()
	aesCodec := d.aes
	d.mu.RUnlock()

	if aesCodec == nil {
		var err error
		aesCodec, err = d.EnableEncryption()
		if err != nil {
			return nil, err
		}
	}
	key := aesCodec.Key()
	iv := make([]byte, AESIVSize)
	aesCodec.mu.Lock()
	copy(iv, aesCodec.iv[:])
	aesCodec.mu.Unlock()
	return wirekey.Pack(key, iv)
}

// Ready reports whether the underlying stream is currently connected.
func (d *Duplex) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready && d.inPipe != nil && d.outPipe != nil
}

// DataReceived returns the channel the accept loop publishes inbound
// messages on. Only populated once Start has launched the accept loop
// (ModeServer, KindNamed); ModeStream Duplexes wrapped by the server
// multiplexer are driven directly via ReadBytes/WriteBytes instead.
func (d *Duplex) DataReceived() <-chan DataEvent { return d.dataReceived }

// ClientDisconnected fires once per disconnect observed by the accept
// loop.
func (d *Duplex) ClientDisconnected() <-chan struct{} { return d.clientDisconnected }

// Start begins serving: a client Dials, a server Listens and begins an
// asynchronous accept loop. ModeStream is a no-op; its pipes are wired
// by Attach before Start is ever called.
func (d *Duplex) Start(ctx context.Context) error {
	switch d.mode {
	case ModeStream:
		return nil
	case ModeClient:
		if d.dialer == nil {
			return errs.NewConfigError("dialer", "no dialer configured for client duplex", nil)
		}
		p, err := d.dialer.Dial(ctx, d.id)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.inPipe, d.outPipe = p, p
		d.ready = true
		d.mu.Unlock()
		return nil
	case ModeServer:
		if d.listener == nil {
			return errs.NewConfigError("listener", "no listener configured for server duplex", nil)
		}
		loopCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		go d.acceptLoop(loopCtx)
		return nil
	default:
		return errs.NewConfigError("mode", "unknown mode", nil)
	}
}

// acceptLoop accepts a connection, flushes the write cache, then
// read/dispatch/replies until the peer disconnects, then restarts the
// accept.
func (d *Duplex) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p, err := d.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Warn().Err(err).Msg("accept failed, retrying")
			continue
		}

		d.mu.Lock()
		d.inPipe, d.outPipe = p, p
		d.ready = true
		d.mu.Unlock()

		d.flushWriteCache()
		d.messageLoop(ctx, p)
	}
}

func (d *Duplex) messageLoop(ctx context.Context, p transport.Pipe) {
	for {
		select {
		case <-ctx.Done():
			_ = p.Close()
			return
		default:
		}

		msg, err := d.readRaw(p)
		if err != nil || len(msg) == 0 {
			d.mu.Lock()
			d.ready = false
			d.mu.Unlock()
			select {
			case d.clientDisconnected <- struct{}{}:
			default:
			}
			_ = p.Close()
			return
		}

		plain, err := d.decode(msg)
		if err != nil {
			d.log.Warn().Err(err).Msg("decode failed, dropping message")
			continue
		}

		reply := make(chan []byte, 1)
		select {
		case d.dataReceived <- DataEvent{Request: plain, Reply: reply}:
		case <-ctx.Done():
			return
		}

		select {
		case resp := <-reply:
			if resp != nil {
				if err := d.WriteBytes(resp); err != nil {
					d.log.Warn().Err(err).Msg("failed to write response")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// WriteBytes encodes and writes b as a single logical message. If the
// duplex has no connected outbound pipe (for example a named server
// duplex no client has reached yet), the encoded message is buffered in
// the write cache instead.
func (d *Duplex) WriteBytes(b []byte) error {
	if atomic.LoadInt32(&d.closed) == 1 {
		return nil
	}
	if len(b) == 0 {
		return errs.NewCodecError("duplex", "write of empty input", nil)
	}
	if len(b) > d.bufferSize {
		return errs.NewProtocolError("message exceeds message buffer size", nil)
	}

	encoded, err := d.encode(b)
	if err != nil {
		return err
	}

	d.mu.RLock()
	out := d.outPipe
	d.mu.RUnlock()

	if out == nil || !out.Connected() {
		return d.cacheWrite(encoded)
	}
	_, err = out.Write(encoded)
	if err != nil {
		return errs.NewTransportError("write", err)
	}
	return nil
}

// WriteUTF8 is WriteBytes(string(s)).
func (d *Duplex) WriteUTF8(s string) error {
	return d.WriteBytes([]byte(s))
}

// WriteValue marshals v with the configured Serializer, then WriteBytes.
func (d *Duplex) WriteValue(v any) error {
	if d.serializer == nil {
		return errs.NewConfigError("serializer", "no serializer configured", nil)
	}
	b, err := d.serializer.Marshal(v)
	if err != nil {
		return errs.Wrap(err, "marshal")
	}
	return d.WriteBytes(b)
}

func (d *Duplex) cacheWrite(encoded []byte) error {
	d.writeCacheMu.Lock()
	defer d.writeCacheMu.Unlock()
	if len(d.writeCache) >= d.writeCacheCap {
		return errs.NewProtocolError("write cache full, no client connected", nil)
	}
	d.writeCache = append(d.writeCache, encoded)
	return nil
}

func (d *Duplex) flushWriteCache() {
	d.writeCacheMu.Lock()
	pending := d.writeCache
	d.writeCache = nil
	d.writeCacheMu.Unlock()

	d.mu.RLock()
	out := d.outPipe
	d.mu.RUnlock()
	if out == nil {
		return
	}
	for _, msg := range pending {
		if _, err := out.Write(msg); err != nil {
			d.log.Warn().Err(err).Msg("failed to flush cached write")
			return
		}
	}
}

// ReadBytes drains and decodes one logical message, blocking until one
// arrives or the pipe disconnects.
func (d *Duplex) ReadBytes() ([]byte, error) {
	if atomic.LoadInt32(&d.closed) == 1 {
		return nil, nil
	}
	d.mu.RLock()
	in := d.inPipe
	d.mu.RUnlock()
	if in == nil {
		return nil, errs.NewConfigError("pipe", "duplex not connected", nil)
	}

	raw, err := d.readRaw(in)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return d.decode(raw)
}

// ReadUTF8 is ReadBytes interpreted as UTF-8.
func (d *Duplex) ReadUTF8() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadValue drains one message and unmarshals it into v with the
// configured Serializer.
func (d *Duplex) ReadValue(v any) error {
	if d.serializer == nil {
		return errs.NewConfigError("serializer", "no serializer configured", nil)
	}
	b, err := d.ReadBytes()
	if err != nil {
		return err
	}
	return d.serializer.Unmarshal(b, v)
}

// readRaw reads into a fixed buffer, accumulating chunks, until a read
// returns fewer bytes than requested, which marks the message boundary.
func (d *Duplex) readRaw(p transport.Pipe) ([]byte, error) {
	var msg []byte
	buf := make([]byte, d.bufferSize)
	for {
		n, err := p.Read(buf)
		if err != nil {
			return nil, err
		}
		msg = append(msg, buf[:n]...)
		if n < d.bufferSize {
			return msg, nil
		}
	}
}

func (d *Duplex) encode(b []byte) ([]byte, error) {
	d.mu.RLock()
	codec := d.codec
	d.mu.RUnlock()
	if codec == nil {
		return b, nil
	}
	return codec.Encode(b)
}

func (d *Duplex) decode(b []byte) ([]byte, error) {
	d.mu.RLock()
	codec := d.codec
	d.mu.RUnlock()
	if codec == nil {
		return b, nil
	}
	return codec.Decode(b)
}

// Close disposes the duplex: its pipes, its write cache, and its accept
// loop, if running. After Close, ReadBytes returns (nil, nil) and
// WriteBytes is a silent no-op.
func (d *Duplex) Close() error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	in, out := d.inPipe, d.outPipe
	d.ready = false
	d.mu.Unlock()

	var err error
	if in != nil {
		err = in.Close()
	}
	if out != nil && out != in {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
	d.writeCacheMu.Lock()
	d.writeCache = nil
	d.writeCacheMu.Unlock()
	return err
}
