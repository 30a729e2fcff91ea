// The selink CLI drives the secure element link from a terminal: negotiate
// encryption keys with the backend, send raw commands to the card over the
// emulator pipe and confirm results.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	selink "github.com/walletline/secure-element-go"
)

var (
	configPath string
	debug      bool

	cfg *Config
	log zerolog.Logger
)

func main() {

	root := &cobra.Command{
		Use:           "selink",
		Short:         "Secure element link developer CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.WarnLevel
			if debug {
				level = zerolog.DebugLevel
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Logger()

			var err error
			cfg, err = LoadConfig(configPath)
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", DefaultConfigPath(), "config file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")

	root.AddCommand(keysCommand())
	root.AddCommand(sendCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

}

func newClient() (*selink.Client, error) {

	if cfg.AuthToken == "" {
		return nil, errors.New("no auth_token configured; set it in " + configPath)
	}

	return selink.NewClient(cfg.BackendURL, func() string { return cfg.AuthToken }, nil, nil)

}

func keysCommand() *cobra.Command {

	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage negotiated encryption keys",
	}

	keys.AddCommand(&cobra.Command{
		Use:   "negotiate",
		Short: "Negotiate a fresh encryption key with the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			key, err := client.Keys().EnsureKey(ctx)
			if err != nil {
				return err
			}

			fmt.Println("keyId: ", key.ID)
			fmt.Println("expiry:", key.Expiry.Format(time.RFC3339))

			if secret := client.Keys().Secret(); len(secret) > 0 {
				fmt.Printf("secret: %x…%x (%d bytes)\n", secret[:2], secret[len(secret)-2:], len(secret))
			}

			return nil
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "show <keyId>",
		Short: "Fetch a negotiated key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			key, err := client.FetchKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Println("keyId: ", key.ID)
			fmt.Printf("pubkey: %x\n", key.PublicKey)
			fmt.Println("expiry:", key.Expiry.Format(time.RFC3339))
			return nil
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "delete <keyId>",
		Short: "Revoke a negotiated key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			return client.DeleteKey(cmd.Context(), args[0])
		},
	})

	return keys

}

func sendCommand() *cobra.Command {

	var (
		continueOnFailure bool
		confirm           bool
		timeout           time.Duration
	)

	send := &cobra.Command{
		Use:   "send <hex>",
		Short: "Send one raw command frame to the card and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {

			payload, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("command is not valid hex: %w", err)
			}

			var executor *selink.Executor

			transport, err := selink.DialPipe(cfg.Socket, func(msg selink.ResultMessage) {
				executor.HandleResponse(msg)
			}, nil)
			if err != nil {
				return fmt.Errorf("cannot reach card emulator at %s: %w", cfg.Socket, err)
			}
			defer transport.Close()

			log.Debug().Str("socket", cfg.Socket).Int("bytes", len(payload)).Msg("sending command")

			executor = selink.NewExecutor(transport, nil)

			command := &selink.Command{
				Payload:           payload,
				ContinueOnFailure: continueOnFailure,
			}

			type outcome struct {
				cmd *selink.Command
				err error
			}
			done := make(chan outcome, 1)

			err = executor.Execute(command, transport.Send, func(cmd *selink.Command, err error) {
				done <- outcome{cmd: cmd, err: err}
			})
			if err != nil {
				return err
			}

			select {
			case result := <-done:
				if result.err != nil {
					return result.err
				}
				fmt.Printf("type:     %s\n", result.cmd.ResponseType)
				fmt.Printf("response: %x\n", result.cmd.ResponseData)

				if confirm {
					client, err := newClient()
					if err != nil {
						return err
					}
					if err := client.ConfirmResult(cmd.Context(), "", result.cmd.ResponseData); err != nil {
						return err
					}
					fmt.Println("confirmed")
				}
				return nil

			case <-time.After(timeout):
				return errors.New("timed out waiting for card response")
			}
		},
	}

	send.Flags().BoolVar(&continueOnFailure, "continue-on-failure", false, "treat error and warning responses as success")
	send.Flags().BoolVar(&confirm, "confirm", false, "report the result to the backend confirm endpoint")
	send.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the card")

	return send

}
