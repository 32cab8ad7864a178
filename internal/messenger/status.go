package messenger

import (
	"fmt"
	"strings"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
	"github.com/unicitylabs/spheremsg/internal/relay"
)

// Status is a point-in-time view of a messaging session.
type Status struct {
	LocalKey        string      `json:"local_key"`
	Relay           relay.Stats `json:"relay"`
	Conversations   int         `json:"conversations"`
	ActivePeer      string      `json:"active_peer,omitempty"`
	SeenEvents      int         `json:"seen_events"`
	InFlightUnwraps int64       `json:"in_flight_unwraps"`
	SelfCopy        bool        `json:"self_copy"`
}

// Status collects the current session state.
func (m *Messenger) Status() *Status {
	return &Status{
		LocalKey:        m.LocalKey(),
		Relay:           m.relay.Stats(),
		Conversations:   m.store.Len(),
		ActivePeer:      m.store.Active(),
		SeenEvents:      m.store.SeenCount(),
		InFlightUnwraps: m.inFlight.Load(),
		SelfCopy:        m.cfg.SelfCopy,
	}
}

// FormatStatus formats a status as human-readable text.
func FormatStatus(s *Status) string {
	var sb strings.Builder

	sb.WriteString("Messaging Status:\n")
	sb.WriteString(fmt.Sprintf("  Identity: %s\n", orNone(s.LocalKey)))
	sb.WriteString(fmt.Sprintf("  Relay: %s (%s)\n", s.Relay.URL, s.Relay.State))
	if s.Relay.ReconnectPending {
		sb.WriteString(fmt.Sprintf("  Reconnect: pending (attempt %d)\n", s.Relay.ReconnectAttempt))
	}
	sb.WriteString(fmt.Sprintf("  Subscriptions: %d\n", s.Relay.Subscriptions))
	sb.WriteString(fmt.Sprintf("  Queued publishes: %d\n", s.Relay.PendingPublishes+s.Relay.OutboundQueued))
	sb.WriteString(fmt.Sprintf("  Conversations: %d\n", s.Conversations))
	if s.ActivePeer != "" {
		sb.WriteString(fmt.Sprintf("  Active: %s\n", spnostr.ShortKey(s.ActivePeer)))
	}
	sb.WriteString(fmt.Sprintf("  Seen gift wraps: %d\n", s.SeenEvents))
	sb.WriteString(fmt.Sprintf("  Unwraps in flight: %d\n", s.InFlightUnwraps))
	sb.WriteString(fmt.Sprintf("  Self copy: %v\n", s.SelfCopy))

	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
