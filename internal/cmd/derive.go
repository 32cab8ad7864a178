package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
)

var deriveCmd = &cobra.Command{
	Use:   "derive <sphere-pubkey>",
	Short: "Print the messaging key for a Sphere wallet key",
	Long: `Print the messaging public key a Sphere wallet uses for the given wallet
public key. Listings carry the merchant's wallet key; this is the key to
message them at.`,
	Args: cobra.ExactArgs(1),
	RunE: runDerive,
}

func init() {
	rootCmd.AddCommand(deriveCmd)
}

func runDerive(cmd *cobra.Command, args []string) error {
	pk, err := spnostr.DeriveNostrPubKey(args[0])
	if err != nil {
		return err
	}
	fmt.Println(pk)
	return nil
}
