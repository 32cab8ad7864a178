package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
)

var keygenJSON bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a development signing key",
	Long: `Generate a fresh secp256k1 key for local development.

The secret is printed once; export it as SPHERE_NOSTR_SECRET. Production
clients sign through the wallet and never see this key.

Examples:
  spheremsg keygen
  export SPHERE_NOSTR_SECRET=$(spheremsg keygen --json | jq -r .secret)`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVar(&keygenJSON, "json", false, "Output as JSON")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	secret, err := spnostr.GenerateSecretKey()
	if err != nil {
		return err
	}
	signer, err := spnostr.NewLocalSigner(secret)
	if err != nil {
		return err
	}
	pubkey, err := signer.GetPublicKey(context.Background())
	if err != nil {
		return err
	}

	if keygenJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]string{"secret": secret, "pubkey": pubkey})
	}
	fmt.Printf("%s %s\n", styles.title.Render("pubkey:"), pubkey)
	fmt.Printf("%s %s\n", styles.warn.Render("secret:"), secret)
	return nil
}
