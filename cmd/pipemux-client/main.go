// Command pipemux-client connects to a pipemux-server instance, sends
// lines read from stdin, and prints each echoed reply.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kamaroh/pipemux/client"
	"github.com/kamaroh/pipemux/errs"
	"github.com/kamaroh/pipemux/transport/uxpipe"
)

func main() {
	var (
		pipeName  string
		reconnect bool
		keyHex    string
	)

	root := &cobra.Command{
		Use:   "pipemux-client",
		Short: "Connect to a pipemux-server instance and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

			replies := make(chan []byte, 16)

			// Must match pipemux-server's --key exactly: this pair has no
			// key-exchange step of its own (that's what package bootstrap
			// is for), so an independently generated key on either side
			// would silently fail to decrypt the other side's frames.
			var key []byte
			if keyHex != "" {
				k, err := hex.DecodeString(keyHex)
				if err != nil {
					return errs.NewConfigError("key", "not valid hex", err)
				}
				key = k
			}

			cfg := client.Config{
				PipeBaseName:   pipeName,
				Dial:           uxpipe.Dialer{},
				UseEncryption:  key != nil,
				UseCompression: true,
				EncryptionKey:  key,
				Logger:         log,
				Handler: func(request []byte) ([]byte, bool) {
					replies <- request
					return nil, false
				},
				Hooks: client.Hooks{
					OnServerConnected:    func() { log.Info().Msg("connected") },
					OnServerDisconnected: func() { log.Info().Msg("disconnected") },
				},
			}
			if reconnect {
				cfg.ReconnectPollingInterval = client.DefaultReconnectPollingInterval
				cfg.ReconnectJitter = 0.2
			}

			c, err := client.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Start(ctx); err != nil {
				return err
			}

			go func() {
				for msg := range replies {
					fmt.Println(string(msg))
				}
			}()

			scanner := bufio.NewScanner(os.Stdin)
			go func() {
				for scanner.Scan() {
					if err := c.Send(scanner.Bytes()); err != nil {
						log.Warn().Err(err).Msg("send failed")
					}
				}
			}()

			<-ctx.Done()
			return c.Stop()
		},
	}

	root.Flags().StringVar(&pipeName, "pipe-name", "pipemux-demo", "base pipe name")
	root.Flags().BoolVar(&reconnect, "reconnect", false, "enable polling reconnect")
	root.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte AES key, pre-shared with the server; omit to run unencrypted")

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
