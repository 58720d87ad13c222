// Package uxpipe is a reference transport.Listener/transport.Dialer
// backed by Unix domain sockets. Unlike a native named pipe, a domain
// socket carries no message boundaries of its own, so this package adds
// a 4-byte little-endian length prefix per write and strips it again on
// read, reproducing the short-read-marks-end-of-message contract a
// Windows message-mode named pipe gives for free. Use transport/winpipe
// for production Windows deployments.
package uxpipe

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/transport"
)

const lenPrefixSize = 4

// Listener listens on a Unix domain socket at the given filesystem path.
type Listener struct {
	addr string
	ln   *net.UnixListener
}

// Listen creates and binds a Unix domain socket listener at path,
// removing any stale socket file left behind by a previous run.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errs.NewOsError("resolve unix addr", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errs.NewOsError("listen unix", err)
	}
	return &Listener{addr: path, ln: ln}, nil
}

// Accept blocks until a client connects or ctx is done.
func (l *Listener) Accept(ctx context.Context) (transport.Pipe, error) {
	type result struct {
		conn *net.UnixConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.ln.AcceptUnix()
		ch <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the pending AcceptUnix by closing the listener's
		// read side; callers are expected to re-Listen if they need
		// to accept again after a cancellation.
		_ = l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, errs.NewTransportError("accept", r.err)
		}
		return newPipe(r.conn), nil
	}
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.addr)
	return err
}

// Dialer connects to a uxpipe Listener's socket path.
type Dialer struct{}

// Dial attaches to the Unix domain socket at name.
func (Dialer) Dial(ctx context.Context, name string) (transport.Pipe, error) {
	addr, err := net.ResolveUnixAddr("unix", name)
	if err != nil {
		return nil, errs.NewOsError("resolve unix addr", err)
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", addr.String())
	if err != nil {
		return nil, errs.NewTransportError("dial", err)
	}
	return newPipe(conn.(*net.UnixConn)), nil
}

// Pipe wraps a *net.UnixConn with length-prefix framing so Read
// reproduces named-pipe message-boundary semantics.
type Pipe struct {
	conn      *net.UnixConn
	connected int32

	readMu sync.Mutex
	// remaining is the number of bytes left in the frame currently being
	// drained; -1 means no frame is in flight and the next Read should
	// parse a new length header.
	remaining int
	// pendingBoundary is set when the previous Read delivered the last
	// real bytes of a frame but, because that read also exactly filled
	// the caller's buffer, could not itself look short. The next Read
	// returns an immediate (0, nil) to surface the boundary instead of
	// blocking on a header for a frame that hasn't arrived yet.
	pendingBoundary bool
}

func newPipe(conn *net.UnixConn) *Pipe {
	p := &Pipe{conn: conn, remaining: -1}
	atomic.StoreInt32(&p.connected, 1)
	return p
}

// Write sends b as a single framed message: a 4-byte length prefix
// followed by b. The write is not split across System calls the peer
// could observe as two frames.
func (p *Pipe) Write(b []byte) (int, error) {
	hdr := make([]byte, lenPrefixSize)
	binary.LittleEndian.PutUint32(hdr, uint32(len(b)))
	full := append(hdr, b...)
	n, err := p.conn.Write(full)
	if err != nil {
		atomic.StoreInt32(&p.connected, 0)
		return max0(n-lenPrefixSize), errs.NewTransportError("write", err)
	}
	return len(b), nil
}

// Read fills buf with up to len(buf) bytes of the current message. It
// returns fewer bytes than requested when the message is exhausted, so
// callers can rely on a short read marking the message boundary even
// when a message's length happens to be an exact multiple of the
// caller's buffer size.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if p.pendingBoundary {
		p.pendingBoundary = false
		return 0, nil
	}

	if p.remaining < 0 {
		hdr := make([]byte, lenPrefixSize)
		if _, err := io.ReadFull(p.conn, hdr); err != nil {
			atomic.StoreInt32(&p.connected, 0)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return 0, io.EOF
			}
			return 0, errs.NewTransportError("read header", err)
		}
		p.remaining = int(binary.LittleEndian.Uint32(hdr))
		if p.remaining == 0 {
			return 0, nil
		}
	}

	want := len(buf)
	if want > p.remaining {
		want = p.remaining
	}

	n, err := io.ReadFull(p.conn, buf[:want])
	if err != nil {
		atomic.StoreInt32(&p.connected, 0)
		return n, errs.NewTransportError("read body", err)
	}
	p.remaining -= n
	if p.remaining == 0 {
		// If this read also exactly filled the caller's buffer, it
		// can't look short by itself; queue an empty read to surface
		// the boundary on the next call instead of reading a header
		// for a frame that may not exist yet.
		if want == len(buf) {
			p.pendingBoundary = true
		}
		p.remaining = -1
	}
	return n, nil
}

// Connected reports whether the last I/O on this pipe succeeded.
func (p *Pipe) Connected() bool {
	return atomic.LoadInt32(&p.connected) == 1
}

// Close closes the underlying socket.
func (p *Pipe) Close() error {
	atomic.StoreInt32(&p.connected, 0)
	return p.conn.Close()
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
