package nostr

import (
	"errors"
	"fmt"
)

// Protocol validation failures. These describe foreign, malformed or
// tampered traffic and are never surfaced past UnwrapPrivateMessage.
var (
	ErrMalformed      = errors.New("malformed event")
	ErrBadID          = errors.New("event id does not match its contents")
	ErrBadSignature   = errors.New("invalid event signature")
	ErrWrongKind      = errors.New("unexpected event kind")
	ErrPubKeyMismatch = errors.New("seal and rumor public keys differ")
	ErrUndecryptable  = errors.New("ciphertext could not be decrypted")
)

// SignerReason classifies why the signer capability refused or failed a call.
type SignerReason string

const (
	SignerUnavailable SignerReason = "unavailable"
	SignerDeclined    SignerReason = "declined"
	SignerLocked      SignerReason = "locked"
	SignerFailed      SignerReason = "failed"
)

// SignerError is returned when the external signer cannot serve a request.
// Callers are expected to surface it to the user; the core never retries.
type SignerError struct {
	Op     string
	Reason SignerReason
	Err    error
}

func (e *SignerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signer %s %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("signer %s %s", e.Op, e.Reason)
}

func (e *SignerError) Unwrap() error { return e.Err }

// IsSignerError reports whether err carries a *SignerError.
func IsSignerError(err error) bool {
	var se *SignerError
	return errors.As(err, &se)
}

// protocolReason maps a validation error to a short metric label.
func protocolReason(err error) string {
	switch {
	case errors.Is(err, ErrBadID):
		return "bad_id"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrWrongKind):
		return "wrong_kind"
	case errors.Is(err, ErrPubKeyMismatch):
		return "pubkey_mismatch"
	case errors.Is(err, ErrUndecryptable):
		return "undecryptable"
	default:
		return "malformed"
	}
}
