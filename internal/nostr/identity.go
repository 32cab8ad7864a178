package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"fiatjaf.com/nostr"
)

// sphereNostrDomain separates the wallet-key → messaging-key derivation
// from any other use of the same hash input.
const sphereNostrDomain = "SPHERE_NOSTR_V1"

// DeriveNostrPubKey maps a Sphere wallet public key to the messaging public
// key the wallet uses for it:
//
//	sk = SHA-256("SPHERE_NOSTR_V1" || walletPubKey)
//	pk = x-only secp256k1 public key of sk
//
// This lets a buyer open a conversation with a merchant knowing only the
// merchant's wallet key from a listing.
func DeriveNostrPubKey(spherePubKeyHex string) (string, error) {
	walletKey, err := hex.DecodeString(spherePubKeyHex)
	if err != nil || len(walletKey) == 0 {
		return "", fmt.Errorf("invalid sphere public key %q", ShortKey(spherePubKeyHex))
	}

	h := sha256.New()
	h.Write([]byte(sphereNostrDomain))
	h.Write(walletKey)

	var sk [32]byte
	copy(sk[:], h.Sum(nil))
	defer zero(sk[:])

	return PubKeyToString(nostr.GetPublicKey(sk)), nil
}
