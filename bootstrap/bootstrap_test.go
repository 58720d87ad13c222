package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kamaroh/pipemux/transport/uxpipe"
)

func newHandshakePair(t *testing.T) (*Server, string, string) {
	t.Helper()
	dir := t.TempDir()
	anonPath := filepath.Join(dir, "anon.sock")
	namedPath := filepath.Join(dir, "named.sock")

	anonLn, err := uxpipe.Listen(anonPath)
	require.NoError(t, err)
	namedLn, err := uxpipe.Listen(namedPath)
	require.NoError(t, err)

	srv, err := NewServer(anonLn, anonPath, namedLn, namedPath, WithCompression(false))
	require.NoError(t, err)
	return srv, anonPath, namedPath
}

func TestHandshakeDeliversKeyAndConnectsChannel(t *testing.T) {
	srv, anonPath, namedPath := newHandshakePair(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startErr := make(chan error, 1)
	go func() { startErr <- srv.Start(ctx) }()

	cli, err := Connect(ctx, uxpipe.Dialer{}, anonPath, uxpipe.Dialer{}, namedPath, time.Second, WithCompression(false))
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, <-startErr)
}

func TestHandshakeRequestReplyRoundTrip(t *testing.T) {
	srv, anonPath, namedPath := newHandshakePair(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Start(ctx) }()

	cli, err := Connect(ctx, uxpipe.Dialer{}, anonPath, uxpipe.Dialer{}, namedPath, time.Second, WithCompression(false))
	require.NoError(t, err)
	defer cli.Close()

	reqDone := make(chan []byte, 1)
	reqErr := make(chan error, 1)
	go func() {
		resp, err := cli.Request(ctx, []byte("ping"), time.Second)
		reqErr <- err
		reqDone <- resp
	}()

	select {
	case ev := <-srv.Channel.DataReceived():
		require.Equal(t, "ping", string(ev.Request))
		ev.Reply <- []byte("pong")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the request")
	}

	require.NoError(t, <-reqErr)
	require.Equal(t, "pong", string(<-reqDone))
}

func TestHandshakeNotifyDoesNotWaitForReply(t *testing.T) {
	srv, anonPath, namedPath := newHandshakePair(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = srv.Start(ctx) }()

	cli, err := Connect(ctx, uxpipe.Dialer{}, anonPath, uxpipe.Dialer{}, namedPath, time.Second, WithCompression(false))
	require.NoError(t, err)
	defer cli.Close()

	done := make(chan error, 1)
	go func() { done <- cli.Notify(ctx, []byte("fire and forget"), time.Second) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("notify never completed")
	}

	select {
	case ev := <-srv.Channel.DataReceived():
		require.Equal(t, "fire and forget", string(ev.Request))
		ev.Reply <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the notification")
	}
}

func TestConnectTimesOutWhenAnonymousPipeNeverArrives(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nobody-home.sock")

	_, err := Connect(context.Background(), uxpipe.Dialer{}, missing, uxpipe.Dialer{}, filepath.Join(dir, "named.sock"), 100*time.Millisecond)
	require.Error(t, err)
}
