package nostr

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"fiatjaf.com/nostr"

	"github.com/unicitylabs/spheremsg/internal/telemetry"
)

// Rumor is the unsigned kind 14 event carrying the plaintext. It has no
// signature field and is never transmitted in the clear.
type Rumor struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      nostr.Tags      `json:"tags"`
	Content   string          `json:"content"`
}

// Seal is a kind 13 event signed by the real sender whose content is the
// rumor encrypted for the recipient.
type Seal struct {
	SignedEvent
}

// GiftWrap is a kind 1059 event signed by a one-time key whose content is
// the seal encrypted for the recipient. It is the only layer a relay sees.
type GiftWrap struct {
	SignedEvent
}

// PrivateMessage is a successfully unwrapped direct message.
type PrivateMessage struct {
	ID           string // gift wrap event id, used for dedup
	SenderKey    string // rumor author
	RecipientKey string // rumor "p" tag
	Content      string
	Timestamp    nostr.Timestamp // rumor created_at, not the jittered outer layers
	Subject      string
	ReplyTo      string
}

// Publisher accepts signed events for best-effort delivery.
type Publisher interface {
	Publish(evt SignedEvent)
}

// Clock and jitter sources; replaced in tests.
var (
	nowFunc    = time.Now
	jitterFunc = randomJitter
)

func randomJitter() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxTimestampJitter))
	if err != nil {
		return 0, fmt.Errorf("reading randomness: %w", err)
	}
	return n.Int64(), nil
}

func jitteredTimestamp(now time.Time) (nostr.Timestamp, error) {
	j, err := jitterFunc()
	if err != nil {
		return 0, err
	}
	return nostr.Timestamp(now.Unix() - j), nil
}

// BuildRumor creates the kind 14 rumor from sender to recipient. Extra tags
// (subject, reply references) follow the recipient "p" tag.
func BuildRumor(senderKey, recipientKey, content string, createdAt nostr.Timestamp, extraTags ...nostr.Tag) (Rumor, error) {
	tags := append(nostr.Tags{PTag(recipientKey)}, extraTags...)
	id, err := ComputeID(senderKey, createdAt, KindDirectMessage, tags, content)
	if err != nil {
		return Rumor{}, err
	}
	return Rumor{
		ID:        id,
		PubKey:    senderKey,
		CreatedAt: createdAt,
		Kind:      KindDirectMessage,
		Tags:      tags,
		Content:   content,
	}, nil
}

// SealRumor encrypts the rumor for receiverKey and has the signer sign the
// resulting kind 13 event. The seal timestamp is backdated by a random jitter.
func SealRumor(ctx context.Context, signer Signer, rumor Rumor, receiverKey string) (Seal, error) {
	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return Seal{}, fmt.Errorf("marshaling rumor: %w", err)
	}
	encrypted, err := signer.EncryptFor(ctx, receiverKey, string(rumorJSON))
	if err != nil {
		return Seal{}, fmt.Errorf("encrypting rumor: %w", err)
	}

	createdAt, err := jitteredTimestamp(nowFunc())
	if err != nil {
		return Seal{}, err
	}
	seal := Seal{SignedEvent{
		PubKey:    rumor.PubKey,
		CreatedAt: createdAt,
		Kind:      KindSeal,
		Tags:      nostr.Tags{},
		Content:   encrypted,
	}}
	seal.ID, err = ComputeID(seal.PubKey, seal.CreatedAt, seal.Kind, seal.Tags, seal.Content)
	if err != nil {
		return Seal{}, err
	}
	seal.Sig, err = signer.SignEventHash(ctx, seal.ID)
	if err != nil {
		return Seal{}, fmt.Errorf("signing seal: %w", err)
	}
	return seal, nil
}

// WrapSeal encrypts the seal under a fresh ephemeral key addressed to
// receiverKey and signs the kind 1059 wrap with that key. The key is
// destroyed before WrapSeal returns.
func WrapSeal(seal Seal, receiverKey string) (GiftWrap, error) {
	sealJSON, err := seal.Marshal()
	if err != nil {
		return GiftWrap{}, fmt.Errorf("marshaling seal: %w", err)
	}
	createdAt, err := jitteredTimestamp(nowFunc())
	if err != nil {
		return GiftWrap{}, err
	}

	wrap := GiftWrap{SignedEvent{
		CreatedAt: createdAt,
		Kind:      KindGiftWrap,
		Tags:      nostr.Tags{PTag(receiverKey)},
	}}
	err = WithEphemeralKey(func(k *EphemeralKey) error {
		content, err := k.EncryptFor(receiverKey, string(sealJSON))
		if err != nil {
			return fmt.Errorf("encrypting seal: %w", err)
		}
		wrap.Content = content
		return k.Sign(&wrap.SignedEvent)
	})
	if err != nil {
		return GiftWrap{}, err
	}
	return wrap, nil
}

// WrapRumor runs the seal and wrap layers for a single receiver. The
// receiver is normally the rumor's recipient, or the sender for a self copy.
func WrapRumor(ctx context.Context, signer Signer, rumor Rumor, receiverKey string) (GiftWrap, error) {
	seal, err := SealRumor(ctx, signer, rumor, receiverKey)
	if err != nil {
		return GiftWrap{}, err
	}
	return WrapSeal(seal, receiverKey)
}

// WrapForReceivers wraps the same rumor once per receiver, each under its own
// seal and ephemeral key. Nothing is returned unless every wrap was built.
func WrapForReceivers(ctx context.Context, signer Signer, rumor Rumor, receivers ...string) ([]GiftWrap, error) {
	wraps := make([]GiftWrap, 0, len(receivers))
	for _, receiver := range receivers {
		if !IsValidPubKey(receiver) {
			return nil, fmt.Errorf("invalid receiver key %q", ShortKey(receiver))
		}
		wrap, err := WrapRumor(ctx, signer, rumor, receiver)
		if err != nil {
			return nil, err
		}
		wraps = append(wraps, wrap)
	}
	return wraps, nil
}

// SendPrivateMessage builds the rumor → seal → gift wrap layers for
// plaintext, publishes the wrap, and returns the wrap id.
func SendPrivateMessage(ctx context.Context, pub Publisher, signer Signer, senderKey, recipientKey, plaintext string, extraTags ...nostr.Tag) (string, error) {
	if !IsValidPubKey(senderKey) {
		return "", fmt.Errorf("invalid sender key %q", ShortKey(senderKey))
	}
	if !IsValidPubKey(recipientKey) {
		return "", fmt.Errorf("invalid recipient key %q", ShortKey(recipientKey))
	}

	rumor, err := BuildRumor(senderKey, recipientKey, plaintext, nostr.Timestamp(nowFunc().Unix()), extraTags...)
	if err != nil {
		return "", err
	}
	wrap, err := WrapRumor(ctx, signer, rumor, recipientKey)
	if err != nil {
		return "", err
	}

	pub.Publish(wrap.SignedEvent)
	telemetry.MessageSent(ctx)
	return wrap.ID, nil
}

// UnwrapPrivateMessage peels a gift wrap addressed to the signer's identity.
// It returns (nil, nil) for anything that fails validation; only signer
// capability failures are returned as errors.
func UnwrapPrivateMessage(ctx context.Context, wrap SignedEvent, signer Signer) (*PrivateMessage, error) {
	msg, err := unwrap(ctx, wrap, signer)
	if err != nil {
		if IsSignerError(err) {
			return nil, err
		}
		log.Printf("[nostr/dm] dropping gift wrap %s: %v", ShortKey(wrap.ID), err)
		telemetry.UnwrapRejected(ctx, protocolReason(err))
		return nil, nil
	}
	telemetry.MessageReceived(ctx)
	return msg, nil
}

func unwrap(ctx context.Context, wrap SignedEvent, signer Signer) (*PrivateMessage, error) {
	if wrap.Kind != KindGiftWrap {
		return nil, fmt.Errorf("%w: gift wrap kind %d", ErrWrongKind, wrap.Kind)
	}
	if err := wrap.Validate(); err != nil {
		return nil, fmt.Errorf("gift wrap: %w", err)
	}

	sealJSON, err := decrypt(ctx, signer, wrap.PubKey, wrap.Content)
	if err != nil {
		return nil, fmt.Errorf("gift wrap: %w", err)
	}
	sealEvt, err := ParseSignedEvent([]byte(sealJSON))
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	if sealEvt.Kind != KindSeal {
		return nil, fmt.Errorf("%w: seal kind %d", ErrWrongKind, sealEvt.Kind)
	}
	if err := sealEvt.Validate(); err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	rumorJSON, err := decrypt(ctx, signer, sealEvt.PubKey, sealEvt.Content)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	var rumor Rumor
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor: %v", ErrMalformed, err)
	}
	if rumor.Kind != KindDirectMessage {
		return nil, fmt.Errorf("%w: rumor kind %d", ErrWrongKind, rumor.Kind)
	}
	if rumor.PubKey != sealEvt.PubKey {
		return nil, ErrPubKeyMismatch
	}
	// Rumors are unsigned, but an id that is present must still match.
	if rumor.ID != "" {
		id, err := ComputeID(rumor.PubKey, rumor.CreatedAt, rumor.Kind, rumor.Tags, rumor.Content)
		if err != nil || id != rumor.ID {
			return nil, fmt.Errorf("rumor: %w", ErrBadID)
		}
	}

	return &PrivateMessage{
		ID:           wrap.ID,
		SenderKey:    rumor.PubKey,
		RecipientKey: FirstTagValue(rumor.Tags, "p"),
		Content:      rumor.Content,
		Timestamp:    rumor.CreatedAt,
		Subject:      FirstTagValue(rumor.Tags, "subject"),
		ReplyTo:      FirstTagValue(rumor.Tags, "e"),
	}, nil
}

// decrypt calls the signer and classifies non-capability failures as
// undecryptable payloads.
func decrypt(ctx context.Context, signer Signer, peer, ciphertext string) (string, error) {
	plaintext, err := signer.DecryptFrom(ctx, peer, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	if IsSignerError(err) || errors.Is(err, ErrUndecryptable) || errors.Is(err, ErrMalformed) {
		return "", err
	}
	return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
}
