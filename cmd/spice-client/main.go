// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Command spice-client is a demonstration CLI around the spice package,
// grounded on kubevirt-kubevirt's cobra/pflag-based command surface
// (DESIGN.md "CLI"): one root command with persistent connection flags
// and subcommands that exercise the event loop and agent tunnel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quartzhold/spicec"
)

var (
	host       string
	port       int
	password   string
	configFile string
	playback   bool
	logLevel   string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spice-client",
		Short: "Demonstration SPICE client",
		Long:  "spice-client dials a SPICE server's main channel, negotiates inputs and (optionally) playback, and drives the cooperative event loop from the command line.",
	}

	cmd.PersistentFlags().StringVar(&host, "host", "", "SPICE server host (or local socket path when --port=0)")
	cmd.PersistentFlags().IntVar(&port, "port", 5900, "SPICE server port (0 selects a local stream socket at --host)")
	cmd.PersistentFlags().StringVar(&password, "password", "", "session password")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file (flags set explicitly on the command line take precedence over its values)")
	cmd.PersistentFlags().BoolVar(&playback, "playback", false, "request the playback (audio) channel")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: none disables logging; any other value selects the zap production logger at its default info level")

	cmd.AddCommand(newConnectCommand())
	cmd.AddCommand(newClipboardSendCommand())
	cmd.AddCommand(newClipboardWatchCommand())

	return cmd
}

// resolveConfig merges --config (if given) with the command-line flags,
// the flags taking precedence only where they were actually set, grounded
// on masque-vpn's config-file-then-flag-override pattern
// (DESIGN.md "Configuration").
func resolveConfig(cmd *cobra.Command) (string, int, string, bool, error) {
	h, p, pw, pb := host, port, password, playback

	if configFile != "" {
		fc, err := spice.LoadFileConfig(configFile)
		if err != nil {
			return "", 0, "", false, err
		}
		if !cmd.Flags().Changed("host") {
			h = fc.Host
		}
		if !cmd.Flags().Changed("port") {
			p = fc.Port
		}
		if !cmd.Flags().Changed("playback") {
			pb = fc.Playback
		}
		if !cmd.Flags().Changed("password") {
			pw = fc.Password
			if fc.PasswordFile != "" {
				data, err := os.ReadFile(fc.PasswordFile)
				if err != nil {
					return "", 0, "", false, err
				}
				pw = strings.TrimRight(string(data), "\r\n")
			}
		}
		if !cmd.Flags().Changed("log-level") && fc.LogLevel != "" {
			logLevel = fc.LogLevel
		}
	}

	return h, p, pw, pb, nil
}

// buildLogger maps --log-level to a Logger, preferring the zap-backed
// logger the way DESIGN.md "Logging" recommends outside of tests.
func buildLogger() (spice.Logger, error) {
	if logLevel == "none" {
		return &spice.NoOpLogger{}, nil
	}
	logger, err := spice.NewZapLogger()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// newSession dials and links the main channel with the resolved
// configuration, returning a ready-to-Process Session.
func newSession(ctx context.Context, cmd *cobra.Command) (*spice.Session, error) {
	h, p, pw, pb, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	if h == "" {
		return nil, fmt.Errorf("--host (or config host) is required")
	}

	logger, err := buildLogger()
	if err != nil {
		return nil, err
	}

	sess := spice.NewSession(spice.ClientConfig{}, spice.WithLogger(logger), spice.WithMetrics(spice.NewPrometheusMetrics()))
	if err := sess.Connect(ctx, h, p, pw, pb); err != nil {
		return nil, err
	}
	return sess, nil
}

// runLoop drives Process until ctx is cancelled (Ctrl-C) or the session
// reaches terminal shutdown, grounded on session.go's Process contract
// (DESIGN.md "Session / event loop").
func runLoop(ctx context.Context, sess *spice.Session, onTick func()) error {
	for {
		select {
		case <-ctx.Done():
			sess.Disconnect()
			return nil
		default:
		}

		ok, err := sess.Process(ctx, 200*time.Millisecond)
		if err != nil {
			return err
		}
		if onTick != nil {
			onTick()
		}
		if !ok {
			return nil
		}
	}
}

// withInterrupt returns a context cancelled on SIGINT/SIGTERM.
func withInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Dial a SPICE server, drive the event loop until Ctrl-C, and report when the session becomes ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()

			sess, err := newSession(ctx, cmd)
			if err != nil {
				return err
			}

			fmt.Printf("connected; waiting for session init (press Ctrl-C to stop)...\n")

			lastReady := false
			return runLoop(ctx, sess, func() {
				if ready := sess.Ready(); ready && !lastReady {
					fmt.Println("inputs channel attached; session ready")
					lastReady = ready
				}
			})
		},
	}
}

func newClipboardSendCommand() *cobra.Command {
	var text string

	cmd := &cobra.Command{
		Use:   "clipboard-send",
		Short: "Grab the clipboard and push a text payload to the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()

			sess, err := newSession(ctx, cmd)
			if err != nil {
				return err
			}

			sent := false
			return runLoop(ctx, sess, func() {
				if sent {
					return
				}
				if err := sess.ClipboardGrab(ctx, []spice.DataType{spice.DataText}); err != nil {
					return
				}
				payload := []byte(text)
				if err := sess.ClipboardDataStart(ctx, spice.DataText, uint32(len(payload))); err != nil {
					return
				}
				if err := sess.ClipboardData(ctx, payload); err != nil {
					return
				}
				fmt.Printf("sent %d byte(s) of clipboard text\n", len(payload))
				sent = true
			})
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "clipboard text to send")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newClipboardWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clipboard-watch",
		Short: "Print every clipboard grab/data/release notification from the agent until Ctrl-C",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()

			sess, err := newSession(ctx, cmd)
			if err != nil {
				return err
			}

			err = sess.SetClipboardCallbacks(
				func(types []spice.DataType) {
					fmt.Printf("clipboard grabbed, offered types: %v\n", types)
				},
				func(t spice.DataType, data []byte) {
					fmt.Printf("clipboard data: %s, %d byte(s)\n", t, len(data))
				},
				func() {
					fmt.Println("clipboard released")
				},
				func(t spice.DataType) {
					fmt.Printf("clipboard requested: %s\n", t)
				},
			)
			if err != nil {
				return err
			}

			return runLoop(ctx, sess, nil)
		},
	}
}
