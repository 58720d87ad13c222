//go:build windows

// Package winpipe is the production named-pipe transport. It wraps
// github.com/Microsoft/go-winio, which opens pipes in PIPE_TYPE_MESSAGE
// mode natively, so Read already returns one message per call with no
// extra framing layer.
package winpipe

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/Microsoft/go-winio"
	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/transport"
)

// SecurityDescriptor grants full access to BUILTIN\Administrators and
// generic read/write to BUILTIN\Users, so processes running under
// different users can connect.
const SecurityDescriptor = "D:P(A;;GA;;;BA)(A;;GRGW;;;BU)"

// Listener wraps a go-winio named pipe listener.
type Listener struct {
	ln net.Listener
}

// Listen opens a Windows named pipe at \\.\pipe\<name> in message mode,
// with the buffer sizes pipemux negotiated and the permissive ACL above.
func Listen(name string, bufferSize int32) (*Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: SecurityDescriptor,
		MessageMode:        true,
		InputBufferSize:    bufferSize,
		OutputBufferSize:   bufferSize,
	}
	ln, err := winio.ListenPipe(`\\.\pipe\`+name, cfg)
	if err != nil {
		return nil, errs.NewOsError("listen named pipe", err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a client connects or ctx is done.
func (l *Listener) Accept(ctx context.Context) (transport.Pipe, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, errs.NewTransportError("accept", r.err)
		}
		return newPipe(r.conn), nil
	}
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dialer connects to a named pipe server as a client.
type Dialer struct {
	Timeout time.Duration
}

// Dial opens \\.\pipe\<name> on the local host, bounded by d.Timeout if set.
func (d Dialer) Dial(ctx context.Context, name string) (transport.Pipe, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	conn, err := winio.DialPipeContext(ctx, `\\.\pipe\`+name)
	if err != nil {
		return nil, errs.NewTransportError("dial named pipe", err)
	}
	return newPipe(conn), nil
}

// Pipe wraps a connected named-pipe net.Conn. Read/Write pass straight
// through to the OS; go-winio's message-mode implementation already
// guarantees one Read call returns at most one message.
type Pipe struct {
	conn      net.Conn
	connected int32
}

func newPipe(conn net.Conn) *Pipe {
	p := &Pipe{conn: conn}
	atomic.StoreInt32(&p.connected, 1)
	return p
}

func (p *Pipe) Read(b []byte) (int, error) {
	n, err := p.conn.Read(b)
	if err != nil {
		atomic.StoreInt32(&p.connected, 0)
		return n, errs.NewTransportError("read", err)
	}
	return n, nil
}

func (p *Pipe) Write(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	if err != nil {
		atomic.StoreInt32(&p.connected, 0)
		return n, errs.NewTransportError("write", err)
	}
	return n, nil
}

func (p *Pipe) Connected() bool {
	return atomic.LoadInt32(&p.connected) == 1
}

func (p *Pipe) Close() error {
	atomic.StoreInt32(&p.connected, 0)
	return p.conn.Close()
}
