package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kamaroh/pipemux/transport"
	"github.com/kamaroh/pipemux/transport/uxpipe"
)

// serverHalves stands in for server.Server: it accepts one -IN and one
// -OUT connection and lets the test drive them directly, so client
// behavior can be tested without a cross-package dependency on server.
type serverHalves struct {
	in, out transport.Pipe
}

func acceptServerHalves(t *testing.T, dir, base string) *serverHalves {
	t.Helper()
	inLn, err := uxpipe.Listen(filepath.Join(dir, base+"-IN"))
	require.NoError(t, err)
	outLn, err := uxpipe.Listen(filepath.Join(dir, base+"-OUT"))
	require.NoError(t, err)

	type accepted struct {
		p   transport.Pipe
		err error
	}
	inCh := make(chan accepted, 1)
	outCh := make(chan accepted, 1)
	go func() { p, err := inLn.Accept(context.Background()); inCh <- accepted{p, err} }()
	go func() { p, err := outLn.Accept(context.Background()); outCh <- accepted{p, err} }()

	inR := <-inCh
	require.NoError(t, inR.err)
	outR := <-outCh
	require.NoError(t, outR.err)

	return &serverHalves{in: inR.p, out: outR.p}
}

func TestClientOneShotConnectSendsAndReceives(t *testing.T) {
	dir := t.TempDir()

	srvDone := make(chan *serverHalves, 1)
	go func() { srvDone <- acceptServerHalves(t, dir, "oneshot") }()

	received := make(chan []byte, 1)
	c, err := New(Config{
		PipeBaseName:   "oneshot",
		Dial:           uxpipe.Dialer{},
		UseEncryption:  false,
		UseCompression: false,
		Handler: func(request []byte) ([]byte, bool) {
			received <- request
			return nil, false
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	srv := <-srvDone
	defer srv.in.Close()
	defer srv.out.Close()

	require.NoError(t, c.Send([]byte("hi from client")))
	buf := make([]byte, 64)
	n, err := srv.in.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi from client", string(buf[:n]))

	_, err = srv.out.Write([]byte("hi from server"))
	require.NoError(t, err)
	select {
	case got := <-received:
		require.Equal(t, "hi from server", string(got))
	case <-time.After(time.Second):
		t.Fatal("client never received the server's message")
	}
	require.Eventually(t, func() bool { return c.Connected() }, time.Second, 10*time.Millisecond)
}

func TestClientRejectsMissingConfig(t *testing.T) {
	_, err := New(Config{Dial: uxpipe.Dialer{}})
	require.Error(t, err)

	_, err = New(Config{PipeBaseName: "x"})
	require.Error(t, err)
}

func TestClientSendBeforeConnectFails(t *testing.T) {
	c, err := New(Config{PipeBaseName: "never", Dial: uxpipe.Dialer{}})
	require.NoError(t, err)
	require.Error(t, c.Send([]byte("too early")))
}

func TestClientStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	go func() { acceptServerHalves(t, dir, "stopidem") }()

	c, err := New(Config{
		PipeBaseName: "stopidem",
		Dial:         uxpipe.Dialer{},
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	require.Equal(t, StateStopped, c.State())
}
