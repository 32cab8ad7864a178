package nostr

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcec/v2"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip44"
)

var errEphemeralDestroyed = errors.New("ephemeral key already destroyed")

// EphemeralKey is a one-time keypair used for exactly one gift wrap.
// It only exists inside WithEphemeralKey.
type EphemeralKey struct {
	sk        [32]byte
	pubkey    string
	destroyed bool
}

// WithEphemeralKey generates a fresh keypair, hands it to fn, and erases the
// secret on every exit path, including errors and panics. The key must not
// be retained beyond fn.
func WithEphemeralKey(fn func(k *EphemeralKey) error) error {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("generating ephemeral key: %w", err)
	}

	k := &EphemeralKey{}
	raw := priv.Serialize()
	copy(k.sk[:], raw)
	zero(raw)
	priv.Zero()

	locked := lockMemory(k.sk[:]) == nil
	defer func() {
		k.destroy()
		if locked {
			if err := unlockMemory(k.sk[:]); err != nil {
				log.Printf("[nostr] munlock ephemeral key: %v", err)
			}
		}
	}()

	k.pubkey = PubKeyToString(nostr.GetPublicKey(k.sk))
	return fn(k)
}

// PublicKey returns the ephemeral x-only public key as hex.
func (k *EphemeralKey) PublicKey() string {
	return k.pubkey
}

// EncryptFor NIP-44 encrypts plaintext from the ephemeral key to peerPubKey.
func (k *EphemeralKey) EncryptFor(peerPubKey, plaintext string) (string, error) {
	if k.destroyed {
		return "", errEphemeralDestroyed
	}
	peer, err := PubKeyFromHex(peerPubKey)
	if err != nil {
		return "", fmt.Errorf("recipient key: %w", err)
	}
	ck, err := nip44.GenerateConversationKey(peer, nostr.SecretKey(k.sk))
	if err != nil {
		return "", fmt.Errorf("ephemeral conversation key: %w", err)
	}
	defer zero(ck[:])

	return nip44.Encrypt(plaintext, ck)
}

// Sign fills in pubkey, id and sig of evt using the ephemeral key.
func (k *EphemeralKey) Sign(evt *SignedEvent) error {
	if k.destroyed {
		return errEphemeralDestroyed
	}
	evt.PubKey = k.pubkey
	e, err := evt.ToEvent()
	if err != nil {
		return err
	}
	if err := e.Sign(k.sk); err != nil {
		return fmt.Errorf("signing with ephemeral key: %w", err)
	}
	*evt = FromEvent(e)
	return nil
}

func (k *EphemeralKey) destroy() {
	zero(k.sk[:])
	k.destroyed = true
}

// zero overwrites b with zeros in a constant-time friendly way.
func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
