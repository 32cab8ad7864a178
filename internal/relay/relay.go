// Package relay maintains one always-on connection to a Nostr relay and
// multiplexes subscriptions and publishes over it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"fiatjaf.com/nostr"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
	"github.com/unicitylabs/spheremsg/internal/telemetry"
)

// DefaultConnectTimeout is the default timeout for connecting to a relay.
const DefaultConnectTimeout = 15 * time.Second

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// DefaultReadLimit is the largest inbound frame accepted.
const DefaultReadLimit = 1 << 20

// State is the connection state of a Relay.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Subscription is a locally registered REQ. It is re-sent on every
// reconnect until Unsubscribe or Disconnect.
type Subscription struct {
	ID      string
	Filter  nostr.Filter
	OnEvent func(evt spnostr.SignedEvent)
	OnEOSE  func()
}

// Options tune a Relay. Zero values select the defaults.
type Options struct {
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	// MaxPending bounds the publish queue kept while disconnected; when full
	// the oldest entry is dropped. Zero means unbounded.
	MaxPending int

	OnConnect    func()
	OnDisconnect func()
}

// Stats is a point-in-time view of a Relay.
type Stats struct {
	URL              string `json:"url"`
	State            State  `json:"state"`
	Subscriptions    int    `json:"subscriptions"`
	PendingPublishes int    `json:"pending_publishes"`
	OutboundQueued   int    `json:"outbound_queued"`
	ReconnectAttempt int    `json:"reconnect_attempt"`
	ReconnectPending bool   `json:"reconnect_pending"`
}

// Relay is the connection state machine for a single relay endpoint.
// All mutable state is guarded by mu so subscription changes are serialized
// with connect and reconnect.
type Relay struct {
	url  string
	opts Options

	mu          sync.Mutex
	state       State
	sess        *session
	subs        map[string]*Subscription
	subOrder    []string
	pending     [][]byte
	attempt     int
	timer       stopper
	timerGen    uint64
	connGen     uint64
	intentional bool

	afterFunc func(time.Duration, func()) stopper
}

type stopper interface {
	Stop() bool
}

// New creates a disconnected Relay for url.
func New(url string, opts Options) *Relay {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	return &Relay{
		url:  url,
		opts: opts,
		subs: make(map[string]*Subscription),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// URL returns the relay endpoint.
func (r *Relay) URL() string { return r.url }

// Connect opens the connection if it is not already open or opening.
// On success it re-issues every registered subscription and flushes the
// pending publish queue in FIFO order. A failed dial schedules a reconnect
// and the error is returned for information only.
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateDisconnected {
		r.mu.Unlock()
		return nil
	}
	r.intentional = false
	r.state = StateConnecting
	gen := r.connGen
	r.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	conn, _, err := websocket.Dial(dctx, r.url, nil)
	cancel()
	if err != nil {
		log.Printf("[relay] connect to %s failed: %v", r.url, err)
		r.mu.Lock()
		if r.connGen == gen {
			r.state = StateDisconnected
			if !r.intentional {
				r.scheduleReconnectLocked()
			}
		}
		r.mu.Unlock()
		return fmt.Errorf("dialing %s: %w", r.url, err)
	}
	conn.SetReadLimit(r.opts.ReadLimit)

	r.mu.Lock()
	if r.intentional || r.connGen != gen {
		// Disconnect was called while the dial was in flight.
		if r.connGen == gen {
			r.state = StateDisconnected
		}
		r.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
		return errors.New("relay disconnected while connecting")
	}

	sess := newSession(conn)
	r.sess = sess
	r.state = StateConnected
	r.attempt = 0
	r.cancelTimerLocked()

	for _, id := range r.subOrder {
		r.sendReqLocked(r.subs[id])
	}
	for _, frame := range r.pending {
		sess.send(frame)
	}
	flushed := len(r.pending)
	r.pending = nil
	onConnect := r.opts.OnConnect
	resubscribed := len(r.subOrder)
	r.mu.Unlock()

	go sess.writeLoop(r.opts.WriteTimeout, func(err error) { r.connectionLost(sess, err) })
	go r.readLoop(sess)

	log.Printf("[relay] connected to %s (resubscribed %d, flushed %d)", r.url, resubscribed, flushed)
	telemetry.Event(ctx, telemetry.SeverityInfo, "relay connected", "url", r.url)

	if onConnect != nil {
		onConnect()
	}
	return nil
}

// Disconnect closes the connection on purpose: no reconnect is scheduled,
// any pending reconnect is cancelled, and all subscriptions are forgotten.
// Queued publishes are kept for the next Connect.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	r.intentional = true
	r.connGen++
	r.cancelTimerLocked()
	sess := r.sess
	r.sess = nil
	r.state = StateDisconnected
	r.subs = make(map[string]*Subscription)
	r.subOrder = nil
	r.attempt = 0
	onDisconnect := r.opts.OnDisconnect
	r.mu.Unlock()

	if sess == nil {
		return
	}
	sess.close("disconnect")
	log.Printf("[relay] disconnected from %s", r.url)
	if onDisconnect != nil {
		onDisconnect()
	}
}

// Subscribe registers a subscription and returns its id. If connected the
// REQ is sent immediately; otherwise it goes out on the next Connect.
func (r *Relay) Subscribe(filter nostr.Filter, onEvent func(spnostr.SignedEvent), onEOSE func()) string {
	sub := &Subscription{
		ID:      "sub_" + uuid.NewString(),
		Filter:  filter,
		OnEvent: onEvent,
		OnEOSE:  onEOSE,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	r.subOrder = append(r.subOrder, sub.ID)
	if r.sess != nil {
		r.sendReqLocked(sub)
	}
	return sub.ID
}

// Unsubscribe removes a subscription and, if connected, sends CLOSE.
// Unknown ids are ignored.
func (r *Relay) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.removeSubLocked(id) {
		return
	}
	if r.sess != nil {
		frame, err := closeFrame(id)
		if err != nil {
			log.Printf("[relay] encoding CLOSE %s: %v", id, err)
			return
		}
		r.sess.send(frame)
	}
}

// Publish sends evt if connected, otherwise queues it for the next Connect.
// Delivery is best effort.
func (r *Relay) Publish(evt spnostr.SignedEvent) {
	frame, err := eventFrame(evt)
	if err != nil {
		log.Printf("[relay] encoding event %s: %v", spnostr.ShortKey(evt.ID), err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		r.sess.send(frame)
		return
	}
	if r.opts.MaxPending > 0 && len(r.pending) >= r.opts.MaxPending {
		log.Printf("[relay] publish queue full (%d), dropping oldest event", len(r.pending))
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, frame)
	telemetry.PublishQueued(context.Background())
}

// IsConnected reports whether the connection is open.
func (r *Relay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateConnected
}

// State returns the current connection state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the relay's bookkeeping.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		URL:              r.url,
		State:            r.state,
		Subscriptions:    len(r.subs),
		PendingPublishes: len(r.pending),
		ReconnectAttempt: r.attempt,
		ReconnectPending: r.timer != nil,
	}
	if r.sess != nil {
		st.OutboundQueued = r.sess.queued()
	}
	return st
}

// --- Internal helpers ---

func (r *Relay) sendReqLocked(sub *Subscription) {
	frame, err := reqFrame(sub.ID, sub.Filter)
	if err != nil {
		log.Printf("[relay] encoding REQ %s: %v", sub.ID, err)
		return
	}
	r.sess.send(frame)
}

func (r *Relay) removeSubLocked(id string) bool {
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	for i, sid := range r.subOrder {
		if sid == id {
			r.subOrder = append(r.subOrder[:i], r.subOrder[i+1:]...)
			break
		}
	}
	return true
}

func (r *Relay) lookup(id string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// scheduleReconnectLocked arms the single reconnect timer. A second call
// while a reconnect is pending is a no-op.
func (r *Relay) scheduleReconnectLocked() {
	if r.timer != nil {
		return
	}
	delay := BackoffDelay(r.attempt, r.opts.MinBackoff, r.opts.MaxBackoff)
	r.attempt++
	r.timerGen++
	gen := r.timerGen

	log.Printf("[relay] reconnecting to %s in %s", r.url, delay)
	telemetry.Reconnect(context.Background())

	r.timer = r.afterFunc(delay, func() {
		r.mu.Lock()
		if r.timerGen != gen || r.intentional {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()

		_ = r.Connect(context.Background())
	})
}

func (r *Relay) cancelTimerLocked() {
	r.timerGen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// connectionLost tears down sess after a read or write failure. It is a
// no-op if sess is no longer current.
func (r *Relay) connectionLost(sess *session, cause error) {
	r.mu.Lock()
	if r.sess != sess {
		r.mu.Unlock()
		return
	}
	r.sess = nil
	r.state = StateDisconnected
	intentional := r.intentional
	if !intentional {
		r.scheduleReconnectLocked()
	}
	onDisconnect := r.opts.OnDisconnect
	r.mu.Unlock()

	sess.cancel()
	_ = sess.conn.CloseNow()

	log.Printf("[relay] connection to %s lost: %v", r.url, cause)
	telemetry.Event(context.Background(), telemetry.SeverityWarn, "relay disconnected",
		"url", r.url, "cause", cause.Error())

	if onDisconnect != nil {
		onDisconnect()
	}
}

// readLoop processes inbound frames in arrival order. Callbacks run on this
// goroutine and must not block.
func (r *Relay) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			r.connectionLost(sess, err)
			return
		}
		r.handleFrame(data)
	}
}

func (r *Relay) handleFrame(data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		log.Printf("[relay] skipping frame from %s: %v", r.url, err)
		telemetry.MalformedFrame(context.Background())
		return
	}

	switch f.label {
	case labelEvent:
		sub := r.lookup(f.subID)
		if sub == nil || sub.OnEvent == nil {
			return
		}
		sub.OnEvent(f.event)
	case labelEOSE:
		sub := r.lookup(f.subID)
		if sub == nil || sub.OnEOSE == nil {
			return
		}
		sub.OnEOSE()
	case labelNotice:
		log.Printf("[relay] notice from %s: %s", r.url, f.message)
	case labelOK:
		if !f.ok {
			log.Printf("[relay] %s rejected event %s: %s", r.url, spnostr.ShortKey(f.subID), f.message)
		}
	case labelClosed:
		log.Printf("[relay] %s closed subscription %s: %s", r.url, f.subID, f.message)
		r.mu.Lock()
		r.removeSubLocked(f.subID)
		r.mu.Unlock()
	case labelAuth:
		log.Printf("[relay] %s requested AUTH; not supported", r.url)
	}
}
