// Package client implements the client endpoint: dialing the two
// named-pipe halves a server.Server exposes, running one message loop,
// and optionally reconnecting on disconnect.
package client

import (
	"context"
	"crypto/rand"
	"math"
	mrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kamaroh/pipemux"
	"github.com/kamaroh/pipemux/errs"
)

// State is the client's lifecycle state machine.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateConnected
	StateReconnecting
	StateStopping
	StateStopped
)

// Client is the client endpoint.
type Client struct {
	cfg Config

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	duplex *pipemux.Duplex

	stoppedSem chan struct{}
}

// New validates cfg, applies defaults, and returns an idle Client.
func New(cfg Config) (*Client, error) {
	if cfg.PipeBaseName == "" {
		return nil, errs.NewConfigError("PipeBaseName", "base pipe name not set", nil)
	}
	if cfg.Dial == nil {
		return nil, errs.NewConfigError("Dial", "no dialer configured", nil)
	}
	cfg.setDefaults()

	c := &Client{cfg: cfg}
	c.state.Store(int32(StateIdle))
	return c, nil
}

// State returns the client's current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// Send writes b to the server over the current duplex. It fails with a
// ConfigError if the client is not currently connected.
func (c *Client) Send(b []byte) error {
	c.mu.Lock()
	d := c.duplex
	c.mu.Unlock()
	if d == nil {
		return errs.NewConfigError("client", "not connected", nil)
	}
	return d.WriteBytes(b)
}

// Connected reports whether the client currently has a live duplex.
func (c *Client) Connected() bool {
	c.mu.Lock()
	d := c.duplex
	c.mu.Unlock()
	return d != nil && d.Ready()
}

// Start begins connecting. If Config.ReconnectPollingInterval > 0, Start
// launches the polling-reconnect loop; otherwise it performs exactly
// one connect attempt and returns its error.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return errs.NewConfigError("state", "start not permitted from current state", nil)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.stoppedSem = make(chan struct{}, 1)

	if c.cfg.ReconnectPollingInterval > 0 {
		c.state.Store(int32(StateReconnecting))
		c.wg.Add(1)
		go c.reconnectLoop()
		return nil
	}

	d, err := c.connect(c.ctx)
	if err != nil {
		c.state.Store(int32(StateStopped))
		return err
	}
	c.setDuplex(d)
	c.state.Store(int32(StateConnected))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runMessageLoop(d)
	}()
	return nil
}

// reconnectLoop attempts to connect whenever disconnected, sleeping
// between attempts, and exits on cancellation.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		d, err := c.connect(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.cfg.Logger.Debug().Err(err).Msg("reconnect attempt failed")
			if !c.sleep(c.reconnectDelay()) {
				return
			}
			continue
		}

		c.setDuplex(d)
		c.state.Store(int32(StateConnected))
		c.runMessageLoop(d)

		if c.ctx.Err() != nil {
			return
		}
		c.state.Store(int32(StateReconnecting))
	}
}

// reconnectDelay applies up to +/-ReconnectJitter fraction of the base
// interval, so that many clients spawned together don't all retry in
// lockstep.
func (c *Client) reconnectDelay() time.Duration {
	base := c.cfg.ReconnectPollingInterval
	if c.cfg.ReconnectJitter <= 0 {
		return base
	}
	spread := float64(base) * c.cfg.ReconnectJitter
	offset := (mrand.Float64()*2 - 1) * spread
	d := time.Duration(math.Max(0, float64(base)+offset))
	return d
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) connect(ctx context.Context) (*pipemux.Duplex, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
	defer cancel()

	// The client's "-IN" half writes to the server's "-IN" listener and
	// its "-OUT" half reads from the server's "-OUT" listener: both
	// sides dial the same base-named pair, and the direction the data
	// flows is what differs.
	writeHalf, err := c.cfg.Dial.Dial(cctx, c.cfg.PipeBaseName+"-IN")
	if err != nil {
		return nil, errs.NewTransportError("dial "+c.cfg.PipeBaseName+"-IN", err)
	}
	readHalf, err := c.cfg.Dial.Dial(cctx, c.cfg.PipeBaseName+"-OUT")
	if err != nil {
		_ = writeHalf.Close()
		return nil, errs.NewTransportError("dial "+c.cfg.PipeBaseName+"-OUT", err)
	}

	d, err := pipemux.New(pipemux.ModeStream, pipemux.KindRawStream, pipemux.DirInOut, c.cfg.PipeBaseName,
		pipemux.WithBufferSize(c.cfg.MessageBufferSize), pipemux.WithLogger(c.cfg.Logger))
	if err != nil {
		_ = writeHalf.Close()
		_ = readHalf.Close()
		return nil, err
	}
	d.Attach(readHalf, writeHalf)

	if c.cfg.UseCompression {
		d.EnableCompression()
	}
	if c.cfg.UseEncryption {
		key := c.cfg.EncryptionKey
		if key == nil {
			key = make([]byte, pipemux.AESKeySize)
			if _, err := rand.Read(key); err != nil {
				_ = d.Close()
				return nil, errs.NewOsError("generate client encryption key", err)
			}
		}
		if _, err := d.EnableEncryptionWithKey(key); err != nil {
			_ = d.Close()
			return nil, err
		}
	}

	if c.cfg.Hooks.OnServerConnected != nil {
		c.cfg.Hooks.OnServerConnected()
	}
	c.cfg.Logger.Info().Str("pipe", c.cfg.PipeBaseName).Msg("server_connected")
	return d, nil
}

func (c *Client) setDuplex(d *pipemux.Duplex) {
	c.mu.Lock()
	c.duplex = d
	c.mu.Unlock()
}

// runMessageLoop is the client's message loop: identical shape to the
// server's read loop, dispatching to Handler and writing back an
// optional response.
func (c *Client) runMessageLoop(d *pipemux.Duplex) {
	for {
		msg, err := d.ReadBytes()
		if err != nil || len(msg) == 0 {
			if err != nil {
				if c.cfg.Hooks.OnMessageLoopException != nil {
					c.cfg.Hooks.OnMessageLoopException(err)
				}
				c.cfg.Logger.Warn().Err(err).Msg("message_loop_exception")
			}
			c.onDisconnect(d)
			return
		}

		resp, ok := c.dispatch(msg)
		if !ok {
			continue
		}
		select {
		case <-c.ctx.Done():
			continue
		default:
		}
		if err := d.WriteBytes(resp); err != nil {
			if c.cfg.Hooks.OnMessageLoopException != nil {
				c.cfg.Hooks.OnMessageLoopException(err)
			}
			c.cfg.Logger.Warn().Err(err).Msg("message_loop_exception")
		}
	}
}

func (c *Client) dispatch(msg []byte) (resp []byte, ok bool) {
	if c.cfg.Handler == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return c.cfg.Handler(msg)
}

// onDisconnect runs on any exit from the message loop, whether from a
// read error or a clean Stop.
func (c *Client) onDisconnect(d *pipemux.Duplex) {
	c.mu.Lock()
	if c.duplex == d {
		c.duplex = nil
	}
	c.mu.Unlock()

	stopping := State(c.state.Load()) == StateStopping
	if !stopping {
		_ = d.Close()
	}

	if c.cfg.Hooks.OnServerDisconnected != nil {
		c.cfg.Hooks.OnServerDisconnected()
	}
	c.cfg.Logger.Info().Msg("server_disconnected")

	if stopping {
		select {
		case c.stoppedSem <- struct{}{}:
		default:
		}
	}
}

// Stop cancels, disposes the duplex, and waits up to 2500 ms for the
// loop to exit.
func (c *Client) Stop() error {
	prev := State(c.state.Swap(int32(StateStopping)))
	if prev == StateStopped || prev == StateIdle {
		c.state.Store(int32(StateStopped))
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	d := c.duplex
	c.mu.Unlock()
	if d != nil {
		_ = d.Close()
		select {
		case <-c.stoppedSem:
		case <-time.After(2500 * time.Millisecond):
		}
	}

	c.wg.Wait()
	c.state.Store(int32(StateStopped))
	if c.cfg.Hooks.OnClientStopped != nil {
		c.cfg.Hooks.OnClientStopped()
	}
	c.cfg.Logger.Info().Msg("client_stopped")
	return nil
}
