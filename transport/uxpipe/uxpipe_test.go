package uxpipe

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenAndDial(t *testing.T) (*Listener, *Pipe, *Pipe) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sock")

	ln, err := Listen(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	type acceptResult struct {
		p   *Pipe
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		p, err := ln.Accept(context.Background())
		if err != nil {
			accepted <- acceptResult{nil, err}
			return
		}
		accepted <- acceptResult{p.(*Pipe), nil}
	}()

	client, err := (Dialer{}).Dial(context.Background(), path)
	require.NoError(t, err)

	r := <-accepted
	require.NoError(t, r.err)

	return ln, r.p, client.(*Pipe)
}

func TestUxpipeRoundTripSmallMessage(t *testing.T) {
	_, server, client := listenAndDial(t)
	defer server.Close()
	defer client.Close()

	go func() { _, _ = client.Write([]byte("hello")) }()

	buf := make([]byte, 64)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestUxpipeReadMarksBoundaryOnExactBufferMultiple(t *testing.T) {
	_, server, client := listenAndDial(t)
	defer server.Close()
	defer client.Close()

	msg := make([]byte, 8)
	for i := range msg {
		msg[i] = byte(i)
	}
	go func() { _, _ = client.Write(msg) }()

	buf := make([]byte, 8)
	var got []byte
	deadline := time.After(2 * time.Second)
	for {
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		if n < len(buf) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never saw a short read marking the message boundary")
		default:
		}
	}
	require.Equal(t, msg, got)
}

func TestUxpipeConnectedReflectsCloseState(t *testing.T) {
	_, server, client := listenAndDial(t)
	defer server.Close()

	require.True(t, client.Connected())
	require.NoError(t, client.Close())
	require.False(t, client.Connected())
}
