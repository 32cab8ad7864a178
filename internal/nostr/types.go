// Package nostr implements the NIP-17 private messaging protocol used by the
// marketplace client: event encoding, the signer capability boundary,
// ephemeral wrap keys, and the rumor → seal → gift wrap pipeline.
//
// Key abstractions:
//   - SignedEvent: canonical event encoding and id/signature validation
//   - Signer: external key custody (encrypt, decrypt, sign, public key)
//   - Rumor, Seal, GiftWrap: the three layers of a private message
//   - SendPrivateMessage / UnwrapPrivateMessage: the send and receive paths
package nostr

import (
	"encoding/hex"
	"fmt"

	"fiatjaf.com/nostr"
)

// --- Event Kind Constants ---

// NIP-17 / NIP-59 kinds.
const (
	KindSeal          = 13   // NIP-59: Seal around an encrypted rumor
	KindDirectMessage = 14   // NIP-17: Private DM rumor
	KindGiftWrap      = 1059 // NIP-59: Gift wraps for DMs
)

// MaxTimestampJitter bounds the random backdating applied to seals and
// gift wraps (2 days, in seconds).
const MaxTimestampJitter = 2 * 24 * 60 * 60

// --- Tag Builder Functions ---

// PTag returns a "p" tag naming a recipient public key.
func PTag(pubkey string) nostr.Tag {
	return nostr.Tag{"p", pubkey}
}

// FirstTagValue returns the value of the first tag with the given key,
// or "" if none is present.
func FirstTagValue(tags nostr.Tags, key string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// GiftWrapFilter returns the relay filter for gift wraps addressed to recipient.
func GiftWrapFilter(recipient string) nostr.Filter {
	return nostr.Filter{
		Kinds: KindSlice(KindGiftWrap),
		Tags:  nostr.TagMap{"p": []string{recipient}},
	}
}

// --- Type Conversion Helpers ---

// PubKeyFromHex converts a hex string to a nostr.PubKey byte array.
func PubKeyFromHex(hexStr string) (nostr.PubKey, error) {
	var pk nostr.PubKey
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return pk, fmt.Errorf("decoding public key hex: %w", err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", len(pk), len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// PubKeyToString converts a nostr.PubKey (byte array) to its hex string representation.
func PubKeyToString(pk nostr.PubKey) string {
	return hex.EncodeToString(pk[:])
}

// IsValidPubKey reports whether s is a 64-character hex x-only public key.
func IsValidPubKey(s string) bool {
	_, err := PubKeyFromHex(s)
	return err == nil
}

// KindSlice converts plain int values to a []nostr.Kind slice.
func KindSlice(kinds ...int) []nostr.Kind {
	result := make([]nostr.Kind, len(kinds))
	for i, k := range kinds {
		result[i] = nostr.Kind(k)
	}
	return result
}

// ShortKey truncates a hex key for log lines.
func ShortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
