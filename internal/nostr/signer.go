package nostr

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/puzpuzpuz/xsync/v3"

	"fiatjaf.com/nostr"
	"fiatjaf.com/nostr/nip44"
)

// Signer is the external key-custody capability. The messaging core never
// sees the long-term private key; every operation that needs it goes
// through this interface. Calls may block on user approval.
//
// Implementations report capability problems (locked wallet, user declined,
// backend unreachable) as *SignerError. Ciphertext that cannot be decrypted
// is reported as ErrUndecryptable instead.
type Signer interface {
	// GetPublicKey returns the signer's x-only public key as hex.
	GetPublicKey(ctx context.Context) (string, error)

	// EncryptFor NIP-44 encrypts plaintext for the given peer.
	EncryptFor(ctx context.Context, peerPubKey, plaintext string) (string, error)

	// DecryptFrom NIP-44 decrypts ciphertext received from the given peer.
	DecryptFrom(ctx context.Context, peerPubKey, ciphertext string) (string, error)

	// SignEventHash returns a hex BIP-340 signature over the hex event id.
	SignEventHash(ctx context.Context, idHex string) (string, error)
}

// --- Local Signer (development/testing) ---

// LocalSigner holds a secret key in memory and serves the Signer capability
// directly. Production deployments use a wallet-backed signer instead.
type LocalSigner struct {
	mu     sync.RWMutex
	sk     [32]byte
	pubkey string
	locked bool

	conversationKeys *xsync.MapOf[nostr.PubKey, [32]byte]
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a signer from a hex-encoded private key.
// WARNING: This stores a secret key in memory. Use only for testing.
func NewLocalSigner(privkeyHex string) (*LocalSigner, error) {
	var sk [32]byte
	b, err := hex.DecodeString(privkeyHex)
	if err != nil || len(b) != len(sk) {
		return nil, fmt.Errorf("invalid private key hex")
	}
	copy(sk[:], b)
	zero(b)

	return &LocalSigner{
		sk:               sk,
		pubkey:           PubKeyToString(nostr.GetPublicKey(sk)),
		conversationKeys: xsync.NewMapOf[nostr.PubKey, [32]byte](),
	}, nil
}

// GenerateSecretKey returns a fresh random secp256k1 secret key as hex.
func GenerateSecretKey() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	defer priv.Zero()
	return hex.EncodeToString(priv.Serialize()), nil
}

// Lock makes every subsequent call fail with SignerLocked until Unlock.
func (s *LocalSigner) Lock() {
	s.mu.Lock()
	s.locked = true
	s.mu.Unlock()
}

// Unlock re-enables the signer.
func (s *LocalSigner) Unlock() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

func (s *LocalSigner) checkLocked(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.locked {
		return &SignerError{Op: op, Reason: SignerLocked}
	}
	return nil
}

// GetPublicKey returns the signer's public key.
func (s *LocalSigner) GetPublicKey(_ context.Context) (string, error) {
	if err := s.checkLocked("get_public_key"); err != nil {
		return "", err
	}
	return s.pubkey, nil
}

// EncryptFor encrypts plaintext for peerPubKey using NIP-44.
func (s *LocalSigner) EncryptFor(_ context.Context, peerPubKey, plaintext string) (string, error) {
	if err := s.checkLocked("encrypt"); err != nil {
		return "", err
	}
	ck, err := s.conversationKey(peerPubKey)
	if err != nil {
		return "", err
	}
	ciphertext, err := nip44.Encrypt(plaintext, ck)
	if err != nil {
		return "", &SignerError{Op: "encrypt", Reason: SignerFailed, Err: err}
	}
	return ciphertext, nil
}

// DecryptFrom decrypts a NIP-44 payload sent by peerPubKey.
func (s *LocalSigner) DecryptFrom(_ context.Context, peerPubKey, ciphertext string) (string, error) {
	if err := s.checkLocked("decrypt"); err != nil {
		return "", err
	}
	ck, err := s.conversationKey(peerPubKey)
	if err != nil {
		return "", err
	}
	plaintext, err := nip44.Decrypt(ciphertext, ck)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	return plaintext, nil
}

// SignEventHash signs a 32-byte event id.
func (s *LocalSigner) SignEventHash(_ context.Context, idHex string) (string, error) {
	if err := s.checkLocked("sign"); err != nil {
		return "", err
	}
	return signHash(s.sk[:], idHex)
}

func (s *LocalSigner) conversationKey(peerPubKey string) ([32]byte, error) {
	peer, err := PubKeyFromHex(peerPubKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: peer key: %v", ErrMalformed, err)
	}
	if ck, ok := s.conversationKeys.Load(peer); ok {
		return ck, nil
	}
	ck, err := nip44.GenerateConversationKey(peer, nostr.SecretKey(s.sk))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: conversation key: %v", ErrMalformed, err)
	}
	s.conversationKeys.Store(peer, ck)
	return ck, nil
}

// signHash produces a hex BIP-340 signature of idHex with the raw secret key.
func signHash(sk []byte, idHex string) (string, error) {
	id, err := hex.DecodeString(idHex)
	if err != nil || len(id) != 32 {
		return "", fmt.Errorf("%w: event id %q", ErrMalformed, idHex)
	}
	priv, _ := btcec.PrivKeyFromBytes(sk)
	defer priv.Zero()

	sig, err := schnorr.Sign(priv, id)
	if err != nil {
		return "", &SignerError{Op: "sign", Reason: SignerFailed, Err: err}
	}
	return hex.EncodeToString(sig.Serialize()), nil
}
