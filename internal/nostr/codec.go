package nostr

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"fiatjaf.com/nostr"
)

// SignedEvent is the wire form of a NIP-01 event. Keys, ids and signatures
// are carried as lowercase hex strings exactly as they appear on the wire.
// Hashing, signing and verification go through nostr.Event.
type SignedEvent struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      nostr.Tags      `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig"`
}

// FromEvent converts a library event to its wire form.
func FromEvent(evt nostr.Event) SignedEvent {
	out := SignedEvent{
		PubKey:    PubKeyToString(evt.PubKey),
		CreatedAt: evt.CreatedAt,
		Kind:      int(evt.Kind),
		Tags:      evt.Tags,
		Content:   evt.Content,
	}
	if evt.ID != nostr.ZeroID {
		out.ID = evt.ID.Hex()
	}
	if evt.Sig != [64]byte{} {
		out.Sig = hex.EncodeToString(evt.Sig[:])
	}
	if out.Tags == nil {
		out.Tags = nostr.Tags{}
	}
	return out
}

// ToEvent converts the wire form to a library event. An empty id or
// signature becomes the zero value; malformed hex is an error.
func (e SignedEvent) ToEvent() (nostr.Event, error) {
	pk, err := PubKeyFromHex(e.PubKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("%w: pubkey: %v", ErrMalformed, err)
	}
	if e.Kind < 0 || e.Kind > 0xffff {
		return nostr.Event{}, fmt.Errorf("%w: kind %d", ErrMalformed, e.Kind)
	}
	evt := nostr.Event{
		PubKey:    pk,
		CreatedAt: e.CreatedAt,
		Kind:      nostr.Kind(e.Kind),
		Tags:      e.Tags,
		Content:   e.Content,
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	if e.ID != "" {
		if evt.ID, err = nostr.IDFromHex(e.ID); err != nil {
			return nostr.Event{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
		}
	}
	if e.Sig != "" {
		sig, err := hex.DecodeString(e.Sig)
		if err != nil || len(sig) != len(evt.Sig) {
			return nostr.Event{}, fmt.Errorf("%w: sig %q", ErrMalformed, ShortKey(e.Sig))
		}
		copy(evt.Sig[:], sig)
	}
	return evt, nil
}

// SerializeForID returns the canonical NIP-01 serialization
// [0,pubkey,created_at,kind,tags,content] that event ids are hashed over.
func SerializeForID(pubkey string, createdAt nostr.Timestamp, kind int, tags nostr.Tags, content string) ([]byte, error) {
	evt, err := SignedEvent{PubKey: pubkey, CreatedAt: createdAt, Kind: kind, Tags: tags, Content: content}.ToEvent()
	if err != nil {
		return nil, err
	}
	return evt.Serialize(), nil
}

// ComputeID returns the hex event id of the given fields.
func ComputeID(pubkey string, createdAt nostr.Timestamp, kind int, tags nostr.Tags, content string) (string, error) {
	evt, err := SignedEvent{PubKey: pubkey, CreatedAt: createdAt, Kind: kind, Tags: tags, Content: content}.ToEvent()
	if err != nil {
		return "", err
	}
	return evt.GetID().Hex(), nil
}

// ParseSignedEvent decodes a JSON event. It does not validate id or signature.
func ParseSignedEvent(data []byte) (SignedEvent, error) {
	var evt SignedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return SignedEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return evt, nil
}

// Marshal encodes the event as NIP-01 JSON.
func (e SignedEvent) Marshal() ([]byte, error) {
	evt, err := e.ToEvent()
	if err != nil {
		return nil, err
	}
	return evt.MarshalJSON()
}

// CheckID recomputes the id from the event fields and compares it.
func (e SignedEvent) CheckID() bool {
	evt, err := e.ToEvent()
	if err != nil || evt.ID == nostr.ZeroID {
		return false
	}
	return evt.CheckID()
}

// VerifySignature checks the BIP-340 signature over the event body.
func (e SignedEvent) VerifySignature() bool {
	evt, err := e.ToEvent()
	if err != nil {
		return false
	}
	return evt.VerifySignature()
}

// Validate rejects malformed events, events whose id does not match their
// contents, and events whose signature does not verify against pubkey.
func (e SignedEvent) Validate() error {
	evt, err := e.ToEvent()
	if err != nil {
		return err
	}
	if evt.ID == nostr.ZeroID || !evt.CheckID() {
		return ErrBadID
	}
	if !evt.VerifySignature() {
		return ErrBadSignature
	}
	return nil
}
