package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fiatjaf.com/nostr"
	"github.com/spf13/cobra"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
)

var (
	sendFromWallet bool
	sendSubject    string
	sendTimeout    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <peer> <text...>",
	Short: "Send a private message",
	Long: `Send one end-to-end encrypted message to a peer.

The peer is a 64-char hex messaging key, or a Sphere wallet key with
--wallet. The command waits for the relay connection, publishes the gift
wrap(s) and exits once they have been handed to the relay.

Examples:
  spheremsg send 3bf0c63f...  "is the bike still available?"
  spheremsg send --wallet 02a1b2... "would you take 120?" --subject "listing 42"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendFromWallet, "wallet", false, "Treat <peer> as a Sphere wallet public key")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Conversation subject tag")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the relay")
}

func runSend(cmd *cobra.Command, args []string) error {
	peer, err := resolvePeer(args[0], sendFromWallet)
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message text is empty")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	m := sess.messenger
	if err := m.Start(ctx); err != nil {
		return err
	}
	if err := waitConnected(ctx, m, sendTimeout); err != nil {
		return err
	}

	var extra []nostr.Tag
	if sendSubject != "" {
		extra = append(extra, nostr.Tag{"subject", sendSubject})
	}

	id, err := m.SendMessage(ctx, peer, text, extra...)
	if err != nil {
		return fmt.Errorf("sending to %s: %w", spnostr.ShortKey(peer), err)
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, sendTimeout)
	defer flushCancel()
	if err := m.WaitFlushed(flushCtx); err != nil {
		return fmt.Errorf("message %s still queued: %w", spnostr.ShortKey(id), err)
	}

	fmt.Printf("%s %s → %s\n", styles.ok.Render("✓ sent"), spnostr.ShortKey(id), styles.peer.Render(spnostr.ShortKey(peer)))
	return nil
}
