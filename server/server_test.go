package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kamaroh/pipemux/transport"
	"github.com/kamaroh/pipemux/transport/uxpipe"
)

func testListenFunc(t *testing.T) ListenFunc {
	t.Helper()
	dir := t.TempDir()
	return func(address string) (transport.Listener, error) {
		return uxpipe.Listen(filepath.Join(dir, address))
	}
}

func dialHalf(t *testing.T, dir, address string) transport.Pipe {
	t.Helper()
	p, err := (uxpipe.Dialer{}).Dial(context.Background(), filepath.Join(dir, address))
	require.NoError(t, err)
	return p
}

func TestServerEchoesMessages(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		PipeBaseName: "echo",
		Listen: func(address string) (transport.Listener, error) {
			return uxpipe.Listen(filepath.Join(dir, address))
		},
		UseEncryption:  false,
		UseCompression: false,
		Handler: func(id ConnID, req []byte) ([]byte, bool) {
			return req, true
		},
	}

	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	// Client dials the mirror image of the server's naming: the
	// server's "-IN" is written to by the client, the server's "-OUT"
	// is read by the client.
	clientWrite := dialHalf(t, dir, "echo-IN")
	clientRead := dialHalf(t, dir, "echo-OUT")
	defer clientWrite.Close()
	defer clientRead.Close()

	_, err = clientWrite.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := clientRead.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	require.Eventually(t, func() bool { return srv.ClientsConnected() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServerBroadcastReachesAllConnectedClients(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		PipeBaseName:   "bcast",
		MaxClients:     4,
		UseEncryption:  false,
		UseCompression: false,
		Listen: func(address string) (transport.Listener, error) {
			return uxpipe.Listen(filepath.Join(dir, address))
		},
		Handler: func(id ConnID, req []byte) ([]byte, bool) { return nil, false },
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	const clients = 2
	var wg sync.WaitGroup
	reads := make([][]byte, clients)
	for i := 0; i < clients; i++ {
		clientWrite := dialHalf(t, dir, "bcast-IN")
		clientRead := dialHalf(t, dir, "bcast-OUT")
		defer clientWrite.Close()
		defer clientRead.Close()

		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64)
			n, err := clientRead.Read(buf)
			if err == nil {
				reads[idx] = append([]byte(nil), buf[:n]...)
			}
		}()
	}

	require.Eventually(t, func() bool { return srv.ClientsConnected() == clients }, time.Second, 10*time.Millisecond)

	failures := srv.Broadcast([]byte("all"))
	require.Empty(t, failures)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast did not reach all clients")
	}
	for _, r := range reads {
		require.Equal(t, "all", string(r))
	}
}

func TestServerStopWithNoClientsReachesStopped(t *testing.T) {
	listen := testListenFunc(t)
	cfg := Config{
		PipeBaseName:         "stop",
		Listen:               listen,
		ShutdownDrainTimeout: 200 * time.Millisecond,
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))
	require.NoError(t, srv.Stop())
	require.Equal(t, StateStopped, srv.State())
}
