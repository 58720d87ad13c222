// Command pipemux-server runs a pipemux server.Server that echoes every
// received message back to its sender, demonstrating the library end to
// end over transport/uxpipe.
package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/server"
	"github.com/kamaroh/pipemux/transport"
	"github.com/kamaroh/pipemux/transport/uxpipe"
)

func main() {
	var (
		pipeName      string
		maxClients    int
		keyHex        string
		noCompression bool
	)

	root := &cobra.Command{
		Use:   "pipemux-server",
		Short: "Run a pipemux echo server over a named pipe pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

			// server.Config has no key-exchange mechanism of its own: an
			// EncryptionKey generated here would never reach the client
			// out of band (see client/config.go's EncryptionKey doc).
			// This demo requires a pre-shared --key on both ends instead;
			// use package bootstrap for key exchange without one.
			var key []byte
			if keyHex != "" {
				k, err := hex.DecodeString(keyHex)
				if err != nil {
					return errs.NewConfigError("key", "not valid hex", err)
				}
				key = k
			}

			cfg := server.Config{
				PipeBaseName: pipeName,
				Listen: func(address string) (transport.Listener, error) {
					return uxpipe.Listen(address)
				},
				MaxClients:     maxClients,
				UseEncryption:  key != nil,
				UseCompression: !noCompression,
				EncryptionKey:  key,
				Logger:         log,
				Handler: func(connID server.ConnID, request []byte) ([]byte, bool) {
					return request, true
				},
				Hooks: server.Hooks{
					OnClientConnected: func(id server.ConnID) {
						log.Info().Msg("client connected")
					},
					OnClientDisconnected: func(id server.ConnID) {
						log.Info().Msg("client disconnected")
					},
				},
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := srv.Start(ctx); err != nil {
				return err
			}
			log.Info().Str("pipe", pipeName).Msg("listening")

			<-ctx.Done()
			return srv.Stop()
		},
	}

	root.Flags().StringVar(&pipeName, "pipe-name", "pipemux-demo", "base pipe name")
	root.Flags().IntVar(&maxClients, "max-clients", server.DefaultMaxClients, "maximum concurrent clients")
	root.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte AES key, pre-shared with the client; omit to run unencrypted")
	root.Flags().BoolVar(&noCompression, "no-compression", false, "disable DEFLATE compression")

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
