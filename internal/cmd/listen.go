package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/unicitylabs/spheremsg/internal/conversation"
	"github.com/unicitylabs/spheremsg/internal/messenger"
	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
)

var (
	listenPeer           string
	listenFromWallet     bool
	listenStatusInterval time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print incoming and outgoing messages until interrupted",
	Long: `Stay connected to the relay and print every message addressed to this
identity, including history the relay replays on connect.

Only one listener per identity may run at a time; a lock file in
runtime_dir enforces this.

Examples:
  spheremsg listen
  spheremsg listen --peer 3bf0c63f...
  spheremsg listen --status-interval 1m`,
	Args: cobra.NoArgs,
	RunE: runListen,
}

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().StringVar(&listenPeer, "peer", "", "Only print the conversation with this peer")
	listenCmd.Flags().BoolVar(&listenFromWallet, "wallet", false, "Treat --peer as a Sphere wallet public key")
	listenCmd.Flags().DurationVar(&listenStatusInterval, "status-interval", 0, "Print session status at this interval (0 disables)")
}

func runListen(cmd *cobra.Command, args []string) error {
	var onlyPeer string
	if listenPeer != "" {
		p, err := resolvePeer(listenPeer, listenFromWallet)
		if err != nil {
			return err
		}
		onlyPeer = p
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()
	m := sess.messenger

	changed := make(chan string, 64)
	m.Store().OnChange(func(peer string) {
		select {
		case changed <- peer:
		default:
			// The printer rescans the whole conversation, so a dropped
			// notification is picked up by the next one.
		}
	})

	lock, err := startListening(ctx, sess)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if onlyPeer != "" {
		m.SetActiveConversation(onlyPeer)
	}
	fmt.Printf("%s %s on %s\n", styles.title.Render("Listening as"), spnostr.ShortKey(m.LocalKey()), m.Relay().URL())

	var tick <-chan time.Time
	if listenStatusInterval > 0 {
		ticker := time.NewTicker(listenStatusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	printed := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			fmt.Println(styles.dim.Render("stopping"))
			return nil
		case sc, ok := <-m.States():
			if !ok {
				return nil
			}
			fmt.Println(styles.dim.Render(fmt.Sprintf("[%s] relay %s", sc.At.Format(time.TimeOnly), sc.State)))
		case peer := <-changed:
			if onlyPeer != "" && peer != onlyPeer {
				continue
			}
			if conv, ok := m.Conversation(peer); ok {
				printNew(conv, printed)
			}
		case <-tick:
			fmt.Print(messenger.FormatStatus(m.Status()))
		}
	}
}

// startListening takes the listener lock for the session's identity and
// only then starts the messenger, so a refused listener never touches the
// relay.
func startListening(ctx context.Context, sess *session) (*flock.Flock, error) {
	localKey, err := sess.signer.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	lock, err := acquireListenLock(sess.cfg.RuntimeDir, localKey)
	if err != nil {
		return nil, err
	}
	if err := sess.messenger.Start(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return lock, nil
}

// acquireListenLock takes the per-identity listener lock.
func acquireListenLock(dir, localKey string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}
	path := filepath.Join(dir, "listen-"+spnostr.ShortKey(localKey)+".lock")
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another listener is already running for %s (%s)", spnostr.ShortKey(localKey), path)
	}
	return lock, nil
}

// printNew prints the messages of conv not yet in printed, in conversation
// order, and records them.
func printNew(conv *conversation.Conversation, printed map[string]struct{}) {
	for _, msg := range conv.Messages {
		if _, ok := printed[msg.ID]; ok {
			continue
		}
		printed[msg.ID] = struct{}{}
		fmt.Println(formatMessage(conv.PeerKey, msg))
	}
}

func formatMessage(peer string, msg conversation.Message) string {
	at := time.Unix(int64(msg.Timestamp), 0).Format(time.DateTime)
	who := styles.peer.Render(spnostr.ShortKey(peer))
	if msg.IsMine {
		who = styles.mine.Render("me") + " → " + who
	}
	return fmt.Sprintf("%s %s: %s", styles.dim.Render(at), who, msg.Content)
}
