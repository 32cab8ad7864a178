package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unicitylabs/spheremsg/internal/messenger"
)

var (
	statusJSON    bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show identity and relay connectivity",
	Long: `Connect to the configured relay and report the session status.

A relay that cannot be reached within --timeout is reported as
disconnected rather than treated as an error.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "How long to wait for the relay")
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	if err := waitConnected(ctx, m, statusTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", styles.warn.Render("relay:"), err)
	}

	st := m.Status()
	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Print(messenger.FormatStatus(st))
	return nil
}
