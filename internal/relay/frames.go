package relay

import (
	"errors"
	"fmt"

	"fiatjaf.com/nostr"
	"github.com/tidwall/gjson"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
)

// Inbound relay wire labels.
const (
	labelEvent  = "EVENT"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelOK     = "OK"
	labelClosed = "CLOSED"
	labelAuth   = "AUTH"
)

var errMalformedFrame = errors.New("malformed relay frame")

func reqFrame(subID string, filter nostr.Filter) ([]byte, error) {
	return nostr.ReqEnvelope{SubscriptionID: subID, Filters: []nostr.Filter{filter}}.MarshalJSON()
}

func closeFrame(subID string) ([]byte, error) {
	return nostr.CloseEnvelope(subID).MarshalJSON()
}

func eventFrame(evt spnostr.SignedEvent) ([]byte, error) {
	e, err := evt.ToEvent()
	if err != nil {
		return nil, fmt.Errorf("encoding EVENT: %w", err)
	}
	return nostr.EventEnvelope{Event: e}.MarshalJSON()
}

// inbound is a decoded relay → client frame.
type inbound struct {
	label   string
	subID   string
	event   spnostr.SignedEvent
	ok      bool   // OK frames
	message string // NOTICE, OK, CLOSED
}

func parseFrame(data []byte) (inbound, error) {
	if !gjson.ValidBytes(data) {
		return inbound{}, fmt.Errorf("%w: invalid JSON", errMalformedFrame)
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		return inbound{}, fmt.Errorf("%w: not an array", errMalformedFrame)
	}
	arr := res.Array()
	if len(arr) == 0 || arr[0].Type != gjson.String {
		return inbound{}, fmt.Errorf("%w: missing label", errMalformedFrame)
	}

	f := inbound{label: arr[0].String()}
	switch f.label {
	case labelEvent:
		if len(arr) < 3 || !arr[2].IsObject() {
			return inbound{}, fmt.Errorf("%w: short EVENT", errMalformedFrame)
		}
		f.subID = arr[1].String()
		evt, err := spnostr.ParseSignedEvent([]byte(arr[2].Raw))
		if err != nil {
			return inbound{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		f.event = evt
	case labelEOSE:
		if len(arr) < 2 {
			return inbound{}, fmt.Errorf("%w: short EOSE", errMalformedFrame)
		}
		f.subID = arr[1].String()
	case labelNotice:
		if len(arr) >= 2 {
			f.message = arr[1].String()
		}
	case labelOK:
		if len(arr) < 3 {
			return inbound{}, fmt.Errorf("%w: short OK", errMalformedFrame)
		}
		f.subID = arr[1].String() // event id
		f.ok = arr[2].Bool()
		if len(arr) >= 4 {
			f.message = arr[3].String()
		}
	case labelClosed:
		if len(arr) < 2 {
			return inbound{}, fmt.Errorf("%w: short CLOSED", errMalformedFrame)
		}
		f.subID = arr[1].String()
		if len(arr) >= 3 {
			f.message = arr[2].String()
		}
	}
	return f, nil
}
