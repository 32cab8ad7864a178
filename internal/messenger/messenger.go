// Package messenger ties the relay transport, the gift wrap engine and the
// conversation store together into the interface the marketplace UI uses:
// open a conversation, send a message, list conversations, and watch the
// connection state.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fiatjaf.com/nostr"
	"github.com/sourcegraph/conc/pool"

	"github.com/unicitylabs/spheremsg/internal/conversation"
	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
	"github.com/unicitylabs/spheremsg/internal/relay"
	"github.com/unicitylabs/spheremsg/internal/telemetry"
)

// DefaultUnwrapConcurrency bounds concurrent signer calls on the receive path.
const DefaultUnwrapConcurrency = 4

var (
	ErrNotStarted     = errors.New("messenger not started")
	ErrAlreadyStarted = errors.New("messenger already started")
)

// Config configures a Messenger.
type Config struct {
	RelayURL string
	Relay    relay.Options

	// SelfCopy publishes a second gift wrap of every sent message addressed
	// to our own key, so other sessions of the same identity see it.
	SelfCopy bool

	UnwrapConcurrency int

	// OnSignerError is called when the signer refuses or fails while
	// unwrapping an inbound message. The wrap is forgotten so that a relay
	// replay can deliver it again.
	OnSignerError func(wrapID string, err error)
}

// StateChange is a connection state transition.
type StateChange struct {
	State relay.State
	At    time.Time
}

// Messenger is one identity's private messaging session on one relay.
type Messenger struct {
	cfg    Config
	signer spnostr.Signer
	store  *conversation.Store
	relay  *relay.Relay

	mu       sync.RWMutex
	started  bool
	stopped  bool
	localKey string
	subID    string
	ctx      context.Context
	unwraps  *pool.Pool
	sem      chan struct{}
	states   chan StateChange
	caughtUp bool

	inFlight atomic.Int64
}

// New creates a stopped Messenger. A nil store gets a fresh one.
func New(cfg Config, signer spnostr.Signer, store *conversation.Store) *Messenger {
	if cfg.UnwrapConcurrency <= 0 {
		cfg.UnwrapConcurrency = DefaultUnwrapConcurrency
	}
	if store == nil {
		store = conversation.NewStore()
	}

	m := &Messenger{
		cfg:    cfg,
		signer: signer,
		store:  store,
		sem:    make(chan struct{}, cfg.UnwrapConcurrency),
		states: make(chan StateChange, 16),
	}

	opts := cfg.Relay
	onConnect, onDisconnect := opts.OnConnect, opts.OnDisconnect
	opts.OnConnect = func() {
		m.emitState(relay.StateConnected)
		if onConnect != nil {
			onConnect()
		}
	}
	opts.OnDisconnect = func() {
		m.emitState(relay.StateDisconnected)
		if onDisconnect != nil {
			onDisconnect()
		}
	}
	m.relay = relay.New(cfg.RelayURL, opts)
	return m
}

// Start resolves the local identity, subscribes to gift wraps addressed to
// it and connects. The subscription is registered before connecting so the
// relay re-issues it on every reconnect. A failed first dial is not an
// error: the relay keeps retrying in the background.
func (m *Messenger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.unwraps = pool.New()
	m.mu.Unlock()

	pk, err := m.signer.GetPublicKey(ctx)
	if err != nil {
		m.mu.Lock()
		if !m.stopped {
			m.started = false
		}
		m.mu.Unlock()
		return fmt.Errorf("resolving local identity: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrNotStarted
	}
	m.localKey = pk
	m.ctx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	m.store.SetLocalIdentity(pk)
	subID := m.relay.Subscribe(spnostr.GiftWrapFilter(pk), m.handleWrap, m.handleEOSE)
	m.mu.Lock()
	m.subID = subID
	m.mu.Unlock()

	log.Printf("[messenger] listening for messages addressed to %s on %s", spnostr.ShortKey(pk), m.relay.URL())
	m.emitState(relay.StateConnecting)
	if err := m.relay.Connect(ctx); err != nil {
		log.Printf("[messenger] initial connect failed, retrying in background: %v", err)
	}
	return nil
}

// Stop unsubscribes, disconnects, waits for in-flight unwraps, and clears
// every conversation and the dedup set. The States channel is closed.
func (m *Messenger) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	subID := m.subID
	unwraps := m.unwraps
	select {
	case m.states <- StateChange{State: relay.StateDisconnected, At: time.Now()}:
	default:
	}
	close(m.states)
	m.mu.Unlock()

	m.relay.Unsubscribe(subID)
	m.relay.Disconnect()
	unwraps.Wait()
	m.store.Reset()
	log.Printf("[messenger] stopped")
}

// LocalKey returns the identity resolved by Start.
func (m *Messenger) LocalKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localKey
}

// Store returns the conversation store backing this messenger.
func (m *Messenger) Store() *conversation.Store { return m.store }

// Relay returns the underlying relay connection.
func (m *Messenger) Relay() *relay.Relay { return m.relay }

// States delivers connection state changes. Slow readers miss transitions;
// Status always has the current state.
func (m *Messenger) States() <-chan StateChange { return m.states }

// OpenConversation creates or updates the conversation with peer and makes
// it active.
func (m *Messenger) OpenConversation(peer string, opts conversation.Options) error {
	if !spnostr.IsValidPubKey(peer) {
		return fmt.Errorf("invalid peer key %q", spnostr.ShortKey(peer))
	}
	return m.store.Open(peer, opts)
}

// SendMessage encrypts text for peer, publishes it, and records it in the
// conversation. It returns the id of the gift wrap sent to peer. Signer
// failures are returned as *nostr.SignerError.
func (m *Messenger) SendMessage(ctx context.Context, peer, text string, extraTags ...nostr.Tag) (string, error) {
	m.mu.RLock()
	started, stopped, me := m.started, m.stopped, m.localKey
	m.mu.RUnlock()
	if !started || stopped || me == "" {
		return "", ErrNotStarted
	}
	if !spnostr.IsValidPubKey(peer) {
		return "", fmt.Errorf("invalid peer key %q", spnostr.ShortKey(peer))
	}

	rumor, err := spnostr.BuildRumor(me, peer, text, nostr.Timestamp(time.Now().Unix()), extraTags...)
	if err != nil {
		return "", err
	}
	receivers := []string{peer}
	if m.cfg.SelfCopy && peer != me {
		receivers = append(receivers, me)
	}
	wraps, err := spnostr.WrapForReceivers(ctx, m.signer, rumor, receivers...)
	if err != nil {
		return "", err
	}

	// Our own wraps may come back on our subscription; never unwrap them.
	for _, w := range wraps {
		m.store.MarkSeen(w.ID)
	}
	for _, w := range wraps {
		m.relay.Publish(w.SignedEvent)
	}
	telemetry.MessageSent(ctx)

	id := wraps[0].ID
	if err := m.store.RecordSent(peer, conversation.Message{
		ID:        id,
		SenderKey: me,
		Content:   text,
		Timestamp: rumor.CreatedAt,
	}); err != nil {
		return id, err
	}
	return id, nil
}

// ConversationList returns conversations, most recent first.
func (m *Messenger) ConversationList() []*conversation.Conversation {
	return m.store.List()
}

// Conversation returns the conversation with peer.
func (m *Messenger) Conversation(peer string) (*conversation.Conversation, bool) {
	return m.store.Get(peer)
}

// SetActiveConversation marks peer as the conversation on screen.
func (m *Messenger) SetActiveConversation(peer string) {
	m.store.SetActive(peer)
}

// UpdateDeal changes the agreed price or escrow status of a conversation.
func (m *Messenger) UpdateDeal(peer string, u conversation.DealUpdate) error {
	return m.store.UpdateDeal(peer, u)
}

// WaitFlushed blocks until nothing is queued for the relay or ctx is done.
func (m *Messenger) WaitFlushed(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := m.relay.Stats()
		if st.State == relay.StateConnected && st.PendingPublishes == 0 && st.OutboundQueued == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleWrap runs on the relay read loop. It dedups and hands the wrap to
// the unwrap pool without waiting.
func (m *Messenger) handleWrap(evt spnostr.SignedEvent) {
	if !m.store.MarkSeen(evt.ID) {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return
	}
	ctx := m.ctx
	m.inFlight.Add(1)
	m.unwraps.Go(func() {
		defer m.inFlight.Add(-1)
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
		m.receive(ctx, evt)
	})
}

func (m *Messenger) receive(ctx context.Context, evt spnostr.SignedEvent) {
	msg, err := spnostr.UnwrapPrivateMessage(ctx, evt, m.signer)
	if err != nil {
		log.Printf("[messenger] signer failed on %s: %v", spnostr.ShortKey(evt.ID), err)
		telemetry.Event(ctx, telemetry.SeverityWarn, "unwrap signer failure",
			"wrap", evt.ID, "error", err.Error())
		m.store.Forget(evt.ID)
		if m.cfg.OnSignerError != nil {
			m.cfg.OnSignerError(evt.ID, err)
		}
		return
	}
	if msg == nil {
		return
	}

	me := m.LocalKey()
	peer := msg.SenderKey
	if peer == me {
		// Our own message delivered back, e.g. a self copy from another session.
		peer = msg.RecipientKey
	}
	if !spnostr.IsValidPubKey(peer) {
		log.Printf("[messenger] dropping %s: no usable peer key", spnostr.ShortKey(msg.ID))
		return
	}

	added, err := m.store.RecordReceived(peer, conversation.Message{
		ID:        msg.ID,
		SenderKey: msg.SenderKey,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		log.Printf("[messenger] recording %s: %v", spnostr.ShortKey(msg.ID), err)
		return
	}
	if added {
		log.Printf("[messenger] message %s from %s", spnostr.ShortKey(msg.ID), spnostr.ShortKey(msg.SenderKey))
	}
}

func (m *Messenger) handleEOSE() {
	m.mu.Lock()
	first := !m.caughtUp
	m.caughtUp = true
	m.mu.Unlock()
	if first {
		log.Printf("[messenger] caught up with stored messages (%d seen)", m.store.SeenCount())
	}
}

func (m *Messenger) emitState(s relay.State) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return
	}
	select {
	case m.states <- StateChange{State: s, At: time.Now()}:
	default:
		log.Printf("[messenger] state listener is behind, dropped %s", s)
	}
}
