// Package conversation holds the in-memory read model of private
// conversations: one ordered, deduplicated message log per peer.
//
// Store is the only writer to conversations. Message logs are append-only;
// deal metadata (agreed price, escrow status) is the one field that may be
// updated in place.
package conversation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"fiatjaf.com/nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrEmptyPeer is returned when an operation is called without a peer key.
var ErrEmptyPeer = errors.New("peer key cannot be empty")

// EscrowStatus tracks the payment state of a deal negotiated in a conversation.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Valid reports whether s is a known escrow status.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowNone, EscrowPending, EscrowFunded, EscrowReleased, EscrowRefunded:
		return true
	}
	return false
}

// Message is one delivered or sent message.
type Message struct {
	ID        string          `json:"id"` // gift wrap event id
	SenderKey string          `json:"sender"`
	Content   string          `json:"content"`
	Timestamp nostr.Timestamp `json:"timestamp"`
	IsMine    bool            `json:"is_mine"`
}

// ListingRef points at the marketplace listing a conversation started from.
type ListingRef struct {
	Hash  string `json:"hash"`
	Price string `json:"price,omitempty"`
}

// Conversation is the log of messages exchanged with one peer.
type Conversation struct {
	PeerKey      string       `json:"peer"`
	Label        string       `json:"label,omitempty"`
	Listing      *ListingRef  `json:"listing,omitempty"`
	AgreedPrice  string       `json:"agreed_price,omitempty"`
	EscrowStatus EscrowStatus `json:"escrow_status"`
	Messages     []Message    `json:"messages"`
}

// LastTimestamp returns the timestamp of the newest message, or 0.
func (c *Conversation) LastTimestamp() nostr.Timestamp {
	if len(c.Messages) == 0 {
		return 0
	}
	return c.Messages[len(c.Messages)-1].Timestamp
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	if c.Listing != nil {
		l := *c.Listing
		cp.Listing = &l
	}
	cp.Messages = append([]Message(nil), c.Messages...)
	return &cp
}

func (c *Conversation) has(id string) bool {
	for _, m := range c.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// insert places msg after every message with an equal or earlier timestamp,
// keeping the log ordered and stable for ties.
func (c *Conversation) insert(msg Message) {
	i := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].Timestamp > msg.Timestamp
	})
	c.Messages = append(c.Messages, Message{})
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = msg
}

// Options carry optional metadata for Open.
type Options struct {
	Label   string
	Listing *ListingRef
}

// DealUpdate changes deal metadata. Nil fields are left untouched.
type DealUpdate struct {
	AgreedPrice  *string
	EscrowStatus *EscrowStatus
}

// Store maps peer keys to conversations.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	order    []string // insertion order of peers
	active   string
	localKey string
	onChange func(peer string)

	seen *xsync.MapOf[string, struct{}]
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		convs: make(map[string]*Conversation),
		seen:  xsync.NewMapOf[string, struct{}](),
	}
}

// SetLocalIdentity sets the key used to decide whether a received message
// is one of ours echoed back by the relay.
func (s *Store) SetLocalIdentity(pubkey string) {
	s.mu.Lock()
	s.localKey = pubkey
	s.mu.Unlock()
}

// LocalIdentity returns the key set by SetLocalIdentity.
func (s *Store) LocalIdentity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localKey
}

// OnChange registers fn to be called with the peer key after every change
// to that peer's conversation. fn runs outside the store lock.
func (s *Store) OnChange(fn func(peer string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open creates the conversation for peer if it does not exist, fills in any
// metadata it is missing, and makes it the active conversation.
func (s *Store) Open(peer string, opts Options) error {
	if peer == "" {
		return ErrEmptyPeer
	}

	s.mu.Lock()
	conv := s.getOrCreateLocked(peer)
	if conv.Label == "" {
		conv.Label = opts.Label
	}
	if conv.Listing == nil && opts.Listing != nil {
		l := *opts.Listing
		conv.Listing = &l
	}
	s.active = peer
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(peer)
	}
	return nil
}

// RecordSent appends a message this client just sent to peer.
func (s *Store) RecordSent(peer string, msg Message) error {
	if peer == "" {
		return ErrEmptyPeer
	}
	msg.IsMine = true

	s.mu.Lock()
	if msg.SenderKey == "" {
		msg.SenderKey = s.localKey
	}
	s.getOrCreateLocked(peer).insert(msg)
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(peer)
	}
	return nil
}

// RecordReceived adds a delivered message to peer's conversation unless a
// message with the same id is already there. It reports whether the message
// was added.
func (s *Store) RecordReceived(peer string, msg Message) (bool, error) {
	if peer == "" {
		return false, ErrEmptyPeer
	}

	s.mu.Lock()
	conv := s.getOrCreateLocked(peer)
	if conv.has(msg.ID) {
		s.mu.Unlock()
		return false, nil
	}
	msg.IsMine = s.localKey != "" && msg.SenderKey == s.localKey
	conv.insert(msg)
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(peer)
	}
	return true, nil
}

// MarkSeen records a gift wrap id in the global dedup set and reports
// whether it was new.
func (s *Store) MarkSeen(wrapID string) bool {
	_, loaded := s.seen.LoadOrStore(wrapID, struct{}{})
	return !loaded
}

// Forget removes a gift wrap id from the dedup set so a later redelivery
// is processed again.
func (s *Store) Forget(wrapID string) {
	s.seen.Delete(wrapID)
}

// SeenCount returns the size of the global dedup set.
func (s *Store) SeenCount() int {
	return s.seen.Size()
}

// Get returns a copy of the conversation with peer.
func (s *Store) Get(peer string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[peer]
	if !ok {
		return nil, false
	}
	return conv.clone(), true
}

// List returns copies of all conversations, most recent message first.
// Conversations without messages follow in the order they were opened.
func (s *Store) List() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.order))
	for _, peer := range s.order {
		out = append(out, s.convs[peer].clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.Messages) == 0 || len(b.Messages) == 0 {
			return len(a.Messages) > 0 && len(b.Messages) == 0
		}
		return a.LastTimestamp() > b.LastTimestamp()
	})
	return out
}

// SetActive marks peer as the conversation the user is looking at. An
// empty peer clears it.
func (s *Store) SetActive(peer string) {
	s.mu.Lock()
	s.active = peer
	s.mu.Unlock()
}

// Active returns the active peer, or "".
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// UpdateDeal applies u to the conversation with peer.
func (s *Store) UpdateDeal(peer string, u DealUpdate) error {
	if u.EscrowStatus != nil && !u.EscrowStatus.Valid() {
		return fmt.Errorf("unknown escrow status %q", *u.EscrowStatus)
	}

	s.mu.Lock()
	conv, ok := s.convs[peer]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no conversation with %q", peer)
	}
	if u.AgreedPrice != nil {
		conv.AgreedPrice = *u.AgreedPrice
	}
	if u.EscrowStatus != nil {
		conv.EscrowStatus = *u.EscrowStatus
	}
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify(peer)
	}
	return nil
}

// Len returns the number of conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}

// Reset forgets every conversation, the active peer, the local identity and
// the dedup set.
func (s *Store) Reset() {
	s.mu.Lock()
	s.convs = make(map[string]*Conversation)
	s.order = nil
	s.active = ""
	s.localKey = ""
	s.mu.Unlock()
	s.seen.Clear()
}

func (s *Store) getOrCreateLocked(peer string) *Conversation {
	conv, ok := s.convs[peer]
	if !ok {
		conv = &Conversation{PeerKey: peer, EscrowStatus: EscrowNone}
		s.convs[peer] = conv
		s.order = append(s.order, peer)
	}
	return conv
}
