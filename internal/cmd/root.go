// Package cmd implements the spheremsg command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/unicitylabs/spheremsg/internal/config"
	"github.com/unicitylabs/spheremsg/internal/messenger"
	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
	"github.com/unicitylabs/spheremsg/internal/relay"
	"github.com/unicitylabs/spheremsg/internal/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "spheremsg",
	Short: "Private NIP-17 messaging for the Sphere marketplace",
	Long: `spheremsg sends and receives end-to-end encrypted marketplace messages
over a single Nostr relay. Messages are gift wrapped (NIP-17/NIP-59) so the
relay never learns who is talking to whom.

The signing key is read from SPHERE_NOSTR_SECRET.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.toml (default: $SPHERE_MSG_CONFIG or the user config dir)")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// session bundles what a command needs to talk to the relay.
type session struct {
	cfg       *config.MessagingConfig
	signer    spnostr.Signer
	messenger *messenger.Messenger
	shutdown  func(context.Context) error
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%s is not set (generate one with: spheremsg keygen)", config.EnvNostrSecret)
	}
	signer, err := spnostr.NewLocalSigner(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", config.EnvNostrSecret, err)
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: "spheremsg",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry disabled: %v\n", err)
	}

	m := messenger.New(messenger.Config{
		RelayURL: cfg.RelayURL,
		Relay: relay.Options{
			MinBackoff: cfg.MinBackoff(),
			MaxBackoff: cfg.MaxBackoff(),
			ReadLimit:  cfg.ReadLimitBytes,
			MaxPending: cfg.MaxPendingPublish,
		},
		SelfCopy:          cfg.SelfCopy,
		UnwrapConcurrency: cfg.UnwrapConcurrency,
		OnSignerError: func(wrapID string, err error) {
			fmt.Fprintf(os.Stderr, "%s could not open message %s: %v\n",
				styles.warn.Render("signer:"), spnostr.ShortKey(wrapID), err)
		},
	}, signer, nil)

	return &session{cfg: cfg, signer: signer, messenger: m, shutdown: shutdown}, nil
}

func (s *session) close() {
	s.messenger.Stop()
	if s.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.shutdown(ctx)
	}
}

// waitConnected blocks until the messenger reports a connection or the
// timeout passes.
func waitConnected(ctx context.Context, m *messenger.Messenger, timeout time.Duration) error {
	if m.Relay().IsConnected() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case sc, ok := <-m.States():
			if !ok {
				return fmt.Errorf("messenger stopped")
			}
			if sc.State == relay.StateConnected {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("no connection to %s after %s", m.Relay().URL(), timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resolvePeer accepts a messaging key, or a wallet key when fromWallet is set.
func resolvePeer(arg string, fromWallet bool) (string, error) {
	if fromWallet {
		return spnostr.DeriveNostrPubKey(arg)
	}
	if !spnostr.IsValidPubKey(arg) {
		return "", fmt.Errorf("invalid peer key %q (64 hex chars expected; use --wallet for a Sphere wallet key)", spnostr.ShortKey(arg))
	}
	return arg, nil
}
