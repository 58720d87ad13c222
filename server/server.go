// Package server implements the connection multiplexer: accepting up
// to Config.MaxClients concurrent clients, each owning a duplex pair of
// named pipes, running one message loop per client that raises the
// configured Handler and optionally writes its reply.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kamaroh/pipemux"
	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/transport"
)

// State is the server's lifecycle state machine.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateDisposed
)

// Server is the connection multiplexer.
type Server struct {
	cfg Config

	state       atomic.Int32
	clientsConn atomic.Int32

	conns *connActor

	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	shutdownOnce sync.Once
	shutdownSem  chan struct{}

	encKey []byte
}

// New validates cfg, applies defaults, and returns an idle Server.
func New(cfg Config) (*Server, error) {
	if cfg.PipeBaseName == "" {
		return nil, errs.NewConfigError("PipeBaseName", "base pipe name not set", nil)
	}
	if cfg.Listen == nil {
		return nil, errs.NewConfigError("Listen", "no listener factory configured", nil)
	}
	cfg.setDefaults()

	s := &Server{cfg: cfg, conns: newConnActor()}
	s.state.Store(int32(StateIdle))
	return s, nil
}

// State returns the server's current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// ClientsConnected returns the live connection count. It never exceeds
// Config.MaxClients.
func (s *Server) ClientsConnected() int { return int(s.clientsConn.Load()) }

// Start starts an Idle or Stopped server; calling it again while Started
// is a no-op. It is rejected while Starting, Stopping, or Disposed.
func (s *Server) Start(ctx context.Context) error {
	if State(s.state.Load()) == StateStarted {
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
			return errs.NewConfigError("state", "start not permitted from current state", nil)
		}
		// Stop closed the previous connection set.
		s.conns = newConnActor()
	}

	inAddr := s.cfg.PipeBaseName + "-IN"
	outAddr := s.cfg.PipeBaseName + "-OUT"

	inListener, err := s.cfg.Listen(inAddr)
	if err != nil {
		s.state.Store(int32(StateIdle))
		return errs.NewOsError("listen "+inAddr, err)
	}
	outListener, err := s.cfg.Listen(outAddr)
	if err != nil {
		_ = inListener.Close()
		s.state.Store(int32(StateIdle))
		return errs.NewOsError("listen "+outAddr, err)
	}

	if err := s.resolveEncryptionKey(); err != nil {
		_ = inListener.Close()
		_ = outListener.Close()
		s.state.Store(int32(StateIdle))
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.shutdownSem = make(chan struct{}, 1)

	s.wg.Add(1)
	go s.listenerSlot(inListener, outListener)

	s.state.Store(int32(StateStarted))
	if s.cfg.Hooks.OnServerStarted != nil {
		s.cfg.Hooks.OnServerStarted()
	}
	s.cfg.Logger.Info().Str("pipe", s.cfg.PipeBaseName).Msg("server_started")
	return nil
}

func (s *Server) resolveEncryptionKey() error {
	if !s.cfg.UseEncryption {
		return nil
	}
	if s.cfg.EncryptionKey != nil {
		if len(s.cfg.EncryptionKey) != pipemux.AESKeySize {
			return errs.NewConfigError("EncryptionKey", "must be 32 bytes", nil)
		}
		s.encKey = s.cfg.EncryptionKey
		return nil
	}
	if s.encKey != nil {
		return nil
	}
	key := make([]byte, pipemux.AESKeySize)
	if _, err := rand.Read(key); err != nil {
		return errs.NewOsError("generate server encryption key", err)
	}
	s.encKey = key
	return nil
}

// listenerSlot is a single pending accept pair. Once both halves
// connect, it registers the client and, if there is still room under
// MaxClients, spawns its own replacement before settling into that
// client's read loop. This keeps at most one listener pending at a
// time. Once MaxClients clients have connected no listener is pending,
// and a later disconnect does not start a new one.
func (s *Server) listenerSlot(inListener, outListener transport.Listener) {
	defer s.wg.Done()

	in, err := inListener.Accept(s.ctx)
	if err != nil {
		return
	}
	out, err := outListener.Accept(s.ctx)
	if err != nil {
		_ = in.Close()
		return
	}

	rec := &connRecord{id: uuid.New(), in: in, out: out, state: StateConnected}
	rec.duplex, err = s.newDuplex(in, out)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("failed to build connection codec")
		_ = in.Close()
		_ = out.Close()
		return
	}

	s.conns.Add(rec)
	n := s.clientsConn.Add(1)

	if s.cfg.Hooks.OnClientConnected != nil {
		s.cfg.Hooks.OnClientConnected(rec.id)
	}
	s.cfg.Logger.Info().Str("conn", rec.id.String()).Msg("client_connected")

	if int(n) < s.cfg.MaxClients {
		s.wg.Add(1)
		go s.listenerSlot(inListener, outListener)
	}

	s.readLoop(rec)
}

func (s *Server) newDuplex(in, out transport.Pipe) (*pipemux.Duplex, error) {
	d, err := pipemux.New(pipemux.ModeStream, pipemux.KindRawStream, pipemux.DirInOut, uuid.New().String(),
		pipemux.WithBufferSize(s.cfg.MessageBufferSize), pipemux.WithLogger(s.cfg.Logger))
	if err != nil {
		return nil, err
	}
	d.Attach(in, out)
	if s.cfg.UseCompression {
		d.EnableCompression()
	}
	if s.cfg.UseEncryption {
		if _, err := d.EnableEncryptionWithKey(s.encKey); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// readLoop is the per-connection read loop: synchronous reads, one
// message per non-empty read, dispatch to Handler, optional reply.
func (s *Server) readLoop(rec *connRecord) {
	for {
		msg, err := rec.duplex.ReadBytes()
		if err != nil || len(msg) == 0 {
			if err != nil {
				if s.cfg.Hooks.OnMessageLoopException != nil {
					s.cfg.Hooks.OnMessageLoopException(rec.id, err)
				}
				s.cfg.Logger.Warn().Err(err).Str("conn", rec.id.String()).Msg("message_loop_exception")
			}
			s.handleDisconnect(rec)
			return
		}

		resp, ok := s.dispatch(rec.id, msg)
		if !ok {
			continue
		}
		select {
		case <-s.ctx.Done():
			continue
		default:
		}
		if len(resp) > s.cfg.MessageBufferSize {
			s.cfg.Logger.Warn().Str("conn", rec.id.String()).Msg("response exceeds message buffer size, dropped")
			continue
		}
		if err := rec.duplex.WriteBytes(resp); err != nil {
			if s.cfg.Hooks.OnMessageLoopException != nil {
				s.cfg.Hooks.OnMessageLoopException(rec.id, err)
			}
			s.cfg.Logger.Warn().Err(err).Str("conn", rec.id.String()).Msg("message_loop_exception")
		}
	}
}

func (s *Server) dispatch(id ConnID, msg []byte) (resp []byte, ok bool) {
	if s.cfg.Handler == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			if s.cfg.Hooks.OnMessageLoopException != nil {
				s.cfg.Hooks.OnMessageLoopException(id, err)
			}
			s.cfg.Logger.Warn().Err(err).Msg("message_loop_exception")
			ok = false
		}
	}()
	return s.cfg.Handler(id, msg)
}

// handleDisconnect runs the disconnect bookkeeping for one connection.
func (s *Server) handleDisconnect(rec *connRecord) {
	s.clientsConn.Add(-1)
	stopping := State(s.state.Load()) == StateStopping

	if !stopping {
		s.conns.Remove(rec.id)
		_ = rec.duplex.Close()
	}

	if s.cfg.Hooks.OnClientDisconnected != nil {
		s.cfg.Hooks.OnClientDisconnected(rec.id)
	}
	s.cfg.Logger.Info().Str("conn", rec.id.String()).Msg("client_disconnected")

	if stopping && s.clientsConn.Load() == 0 {
		select {
		case s.shutdownSem <- struct{}{}:
		default:
		}
	}
}

// Broadcast writes msg to every currently-connected client's snapshot.
// It returns a map of connections whose write failed; a nil map means
// every write succeeded. Broadcast is not atomic across clients: a
// client added after the snapshot is taken never sees this broadcast.
func (s *Server) Broadcast(msg []byte) map[ConnID]error {
	var failures map[ConnID]error
	for _, rec := range s.conns.Snapshot() {
		select {
		case <-s.ctx.Done():
			return failures
		default:
		}
		if len(msg) > s.cfg.MessageBufferSize {
			if failures == nil {
				failures = make(map[ConnID]error)
			}
			failures[rec.id] = errs.NewProtocolError("message exceeds message buffer size", nil)
			continue
		}
		if err := rec.duplex.WriteBytes(msg); err != nil {
			if failures == nil {
				failures = make(map[ConnID]error)
			}
			failures[rec.id] = err
		}
	}
	return failures
}

// Send writes msg to exactly one connection.
func (s *Server) Send(id ConnID, msg []byte) error {
	rec := s.conns.Get(id)
	if rec == nil {
		return errs.NewConfigError("client", "no such connection", nil)
	}
	if len(msg) > s.cfg.MessageBufferSize {
		return errs.NewProtocolError("message exceeds message buffer size", nil)
	}
	return rec.duplex.WriteBytes(msg)
}

// Stop cancels the accept/read loops, disconnects every client, and
// waits up to Config.ShutdownDrainTimeout for in-flight clients to
// finish.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(StateStarted), int32(StateStopping)) {
		if State(s.state.Load()) == StateStopped || State(s.state.Load()) == StateDisposed {
			return nil
		}
	}
	if s.cancel != nil {
		s.cancel()
	}

	remaining := s.conns.Snapshot()
	for _, rec := range remaining {
		_ = rec.in.Close()
		_ = rec.out.Close()
		_ = rec.duplex.Close()
		s.conns.Remove(rec.id)
	}

	if len(remaining) > 0 {
		select {
		case <-s.shutdownSem:
		case <-time.After(s.cfg.ShutdownDrainTimeout):
		}
	}

	s.wg.Wait()
	s.conns.Close()

	s.state.Store(int32(StateStopped))
	if s.cfg.Hooks.OnServerStopped != nil {
		s.cfg.Hooks.OnServerStopped()
	}
	s.cfg.Logger.Info().Msg("server_stopped")
	return nil
}

// Dispose releases all resources and marks the server unusable for any
// future Start. Safe to call whether or not Stop already ran.
func (s *Server) Dispose() error {
	if State(s.state.Load()) == StateStarted {
		_ = s.Stop()
	}
	s.state.Store(int32(StateDisposed))
	return nil
}
