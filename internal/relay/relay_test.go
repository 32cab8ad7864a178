package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"fiatjaf.com/nostr"

	spnostr "github.com/unicitylabs/spheremsg/internal/nostr"
)

// fakeRelay is an in-process relay that records inbound frames and lets the
// test push frames or drop connections.
type fakeRelay struct {
	srv    *httptest.Server
	url    string
	frames chan []byte
	opened chan struct{}

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		frames: make(chan []byte, 256),
		opened: make(chan struct{}, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.SetReadLimit(1 << 20)
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		f.opened <- struct{}{}

		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			f.frames <- data
		}
	}))
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	t.Cleanup(func() {
		f.dropAll()
		f.srv.Close()
	})
	return f
}

func (f *fakeRelay) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-f.opened:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
	}
}

func (f *fakeRelay) next(t *testing.T) []gjson.Result {
	t.Helper()
	select {
	case data := <-f.frames:
		return gjson.ParseBytes(data).Array()
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (f *fakeRelay) send(t *testing.T, frame string) {
	t.Helper()
	f.mu.Lock()
	c := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func (f *fakeRelay) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.CloseNow()
	}
	f.conns = nil
}

func (f *fakeRelay) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func testEvent(content string) spnostr.SignedEvent {
	return spnostr.SignedEvent{
		ID:        strings.Repeat("a", 64),
		PubKey:    strings.Repeat("b", 64),
		CreatedAt: 1700000000,
		Kind:      spnostr.KindGiftWrap,
		Tags:      nostr.Tags{{"p", strings.Repeat("c", 64)}},
		Content:   content,
		Sig:       strings.Repeat("d", 128),
	}
}

func fastOptions() Options {
	return Options{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}
}

func TestBackoffDelaySchedule(t *testing.T) {
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for attempt, w := range want {
		assert.Equal(t, w*time.Second, BackoffDelay(attempt, DefaultMinBackoff, DefaultMaxBackoff), "attempt %d", attempt)
	}
}

func TestSubscribeBeforeConnectIsSentOnConnect(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.url, fastOptions())
	defer r.Disconnect()

	id := r.Subscribe(spnostr.GiftWrapFilter(strings.Repeat("c", 64)), func(spnostr.SignedEvent) {}, nil)
	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)

	frame := f.next(t)
	require.Len(t, frame, 3)
	assert.Equal(t, "REQ", frame[0].String())
	assert.Equal(t, id, frame[1].String())
	assert.Equal(t, int64(spnostr.KindGiftWrap), frame[2].Get("kinds.0").Int())
	assert.Equal(t, strings.Repeat("c", 64), frame[2].Get("#p.0").String())
}

func TestConnectIsIdempotent(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.url, fastOptions())
	defer r.Disconnect()

	require.NoError(t, r.Connect(context.Background()))
	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.connCount())
	assert.True(t, r.IsConnected())
}

func TestPublishWhileDisconnectedFlushesInOrder(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.url, fastOptions())
	defer r.Disconnect()

	for _, c := range []string{"one", "two", "three"} {
		r.Publish(testEvent(c))
	}
	assert.Equal(t, 3, r.Stats().PendingPublishes)

	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)

	for _, want := range []string{"one", "two", "three"} {
		frame := f.next(t)
		require.Len(t, frame, 2)
		assert.Equal(t, "EVENT", frame[0].String())
		assert.Equal(t, want, frame[1].Get("content").String())
	}
	assert.Equal(t, 0, r.Stats().PendingPublishes)
}

func TestPendingQueueDropsOldestWhenFull(t *testing.T) {
	r := New("ws://127.0.0.1:1", Options{MaxPending: 2})
	r.Publish(testEvent("one"))
	r.Publish(testEvent("two"))
	r.Publish(testEvent("three"))

	require.Len(t, r.pending, 2)
	assert.Contains(t, string(r.pending[0]), `"two"`)
	assert.Contains(t, string(r.pending[1]), `"three"`)
}

func TestInboundDispatchRoutesBySubscription(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.url, fastOptions())
	defer r.Disconnect()

	gotA := make(chan spnostr.SignedEvent, 4)
	gotB := make(chan spnostr.SignedEvent, 4)
	eose := make(chan struct{}, 1)

	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)

	subA := r.Subscribe(nostr.Filter{Kinds: spnostr.KindSlice(1059)}, func(e spnostr.SignedEvent) { gotA <- e }, func() { eose <- struct{}{} })
	r.Subscribe(nostr.Filter{Kinds: spnostr.KindSlice(1)}, func(e spnostr.SignedEvent) { gotB <- e }, nil)
	f.next(t)
	f.next(t)

	evtJSON, err := json.Marshal(testEvent("hello"))
	require.NoError(t, err)

	f.send(t, `["EVENT","sub_unknown",`+string(evtJSON)+`]`)
	f.send(t, `not json at all`)
	f.send(t, `["EVENT","`+subA+`"]`)
	f.send(t, `["EVENT","`+subA+`",`+string(evtJSON)+`]`)
	f.send(t, `["EOSE","`+subA+`"]`)

	select {
	case e := <-gotA:
		assert.Equal(t, "hello", e.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription A did not receive its event")
	}
	select {
	case <-eose:
	case <-time.After(3 * time.Second):
		t.Fatal("EOSE callback not invoked")
	}
	assert.Empty(t, gotB)
	assert.True(t, r.IsConnected(), "malformed frames must not drop the connection")
}

func TestUnsubscribeSendsClose(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.url, fastOptions())
	defer r.Disconnect()

	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)

	id := r.Subscribe(nostr.Filter{}, func(spnostr.SignedEvent) {}, nil)
	f.next(t)

	r.Unsubscribe(id)
	r.Unsubscribe("sub_never_registered")

	frame := f.next(t)
	require.Len(t, frame, 2)
	assert.Equal(t, "CLOSE", frame[0].String())
	assert.Equal(t, id, frame[1].String())
	assert.Equal(t, 0, r.Stats().Subscriptions)
}

func TestResubscribesAfterUnexpectedDisconnect(t *testing.T) {
	f := newFakeRelay(t)

	var mu sync.Mutex
	connects, disconnects := 0, 0
	opts := fastOptions()
	opts.OnConnect = func() { mu.Lock(); connects++; mu.Unlock() }
	opts.OnDisconnect = func() { mu.Lock(); disconnects++; mu.Unlock() }

	r := New(f.url, opts)
	defer r.Disconnect()

	id := r.Subscribe(spnostr.GiftWrapFilter(strings.Repeat("c", 64)), func(spnostr.SignedEvent) {}, nil)
	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)
	assert.Equal(t, id, f.next(t)[1].String())

	f.dropAll()
	f.waitOpen(t)

	frame := f.next(t)
	assert.Equal(t, "REQ", frame[0].String())
	assert.Equal(t, id, frame[1].String())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, disconnects)
	mu.Unlock()
	assert.True(t, r.IsConnected())
}

func TestDisconnectIsIntentional(t *testing.T) {
	f := newFakeRelay(t)

	disconnected := make(chan struct{}, 1)
	opts := fastOptions()
	opts.OnDisconnect = func() { disconnected <- struct{}{} }

	r := New(f.url, opts)
	r.Subscribe(nostr.Filter{}, func(spnostr.SignedEvent) {}, nil)
	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)
	f.next(t)

	r.Disconnect()
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not invoked")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.connCount(), "no reconnect after Disconnect")
	st := r.Stats()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, 0, st.Subscriptions)
	assert.False(t, st.ReconnectPending)
	assert.Empty(t, f.opened)
}

type fakeTimer struct{ stopped *bool }

func (t fakeTimer) Stop() bool { *t.stopped = true; return true }

func TestReconnectBackoffGrowsAndResets(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	r := New(deadURL, Options{})
	var delays []time.Duration
	var fire func()
	stopped := false
	r.afterFunc = func(d time.Duration, f func()) stopper {
		delays = append(delays, d)
		fire = f
		return fakeTimer{stopped: &stopped}
	}

	require.Error(t, r.Connect(context.Background()))
	for i := 0; i < 6; i++ {
		fire()
	}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	require.Len(t, delays, len(want))
	for i, w := range want {
		assert.Equal(t, w*time.Second, delays[i], "attempt %d", i)
	}

	// A second disconnect while a reconnect is pending must not add a timer.
	r.mu.Lock()
	r.scheduleReconnectLocked()
	r.mu.Unlock()
	assert.Len(t, delays, len(want))

	// A successful connect resets the sequence.
	f := newFakeRelay(t)
	r.url = f.url
	fire()
	f.waitOpen(t)
	require.True(t, r.IsConnected())

	f.dropAll()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(delays) == len(want)+1
	}, 3*time.Second, 10*time.Millisecond)
	r.mu.Lock()
	assert.Equal(t, 1*time.Second, delays[len(delays)-1])
	r.mu.Unlock()

	r.Disconnect()
	assert.True(t, stopped)
}

func TestManualConnectCancelsPendingReconnect(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	r := New(deadURL, Options{})
	var delays []time.Duration
	var fire func()
	stopped := false
	r.afterFunc = func(d time.Duration, f func()) stopper {
		delays = append(delays, d)
		fire = f
		return fakeTimer{stopped: &stopped}
	}

	require.Error(t, r.Connect(context.Background()))
	for i := 0; i < 4; i++ {
		fire()
	}
	require.Len(t, delays, 5)
	assert.Equal(t, 16*time.Second, delays[4])
	require.True(t, r.Stats().ReconnectPending)
	stale := fire

	f := newFakeRelay(t)
	r.url = f.url
	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)

	assert.True(t, stopped, "the armed timer is stopped")
	assert.False(t, r.Stats().ReconnectPending)
	assert.Equal(t, StateConnected, r.Stats().State)

	// The stopped timer's callback is inert if it fires anyway.
	stale()
	assert.Equal(t, 1, f.connCount())

	f.dropAll()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(delays) == 6
	}, 3*time.Second, 10*time.Millisecond)
	r.mu.Lock()
	assert.Equal(t, 1*time.Second, delays[5])
	r.mu.Unlock()
	assert.True(t, r.Stats().ReconnectPending)

	r.Disconnect()
}

func TestOutboundFrames(t *testing.T) {
	req, err := reqFrame("sub_1", spnostr.GiftWrapFilter(strings.Repeat("c", 64)))
	require.NoError(t, err)
	arr := gjson.ParseBytes(req).Array()
	require.Len(t, arr, 3)
	assert.Equal(t, "REQ", arr[0].String())
	assert.Equal(t, "sub_1", arr[1].String())
	assert.Equal(t, int64(spnostr.KindGiftWrap), arr[2].Get("kinds.0").Int())

	closing, err := closeFrame("sub_1")
	require.NoError(t, err)
	assert.Equal(t, `["CLOSE","sub_1"]`, string(closing))

	evt := testEvent("a\u2028b <&>")
	frame, err := eventFrame(evt)
	require.NoError(t, err)
	assert.Contains(t, string(frame), "b <&>", "HTML characters are not escaped")
	parsed, err := parseFrame(append([]byte(`["EVENT","s",`), frame[len(`["EVENT",`):]...))
	require.NoError(t, err)
	assert.Equal(t, evt.Content, parsed.event.Content)
	assert.Equal(t, evt.Sig, parsed.event.Sig)

	evt.PubKey = "nothex"
	_, err = eventFrame(evt)
	assert.Error(t, err)
}

func TestParseFrame(t *testing.T) {
	f, err := parseFrame([]byte(`["OK","abc",false,"blocked: spam"]`))
	require.NoError(t, err)
	assert.Equal(t, labelOK, f.label)
	assert.False(t, f.ok)
	assert.Equal(t, "blocked: spam", f.message)

	f, err = parseFrame([]byte(`["CLOSED","sub_1","auth-required: nope"]`))
	require.NoError(t, err)
	assert.Equal(t, "sub_1", f.subID)

	for _, bad := range []string{`{}`, `[]`, `[1,2]`, `["EVENT","x",5]`, `["EOSE"]`, `[`} {
		_, err := parseFrame([]byte(bad))
		assert.ErrorIs(t, err, errMalformedFrame, bad)
	}
}

func TestServerClosedSubscriptionIsForgotten(t *testing.T) {
	f := newFakeRelay(t)
	r := New(f.url, fastOptions())
	defer r.Disconnect()

	require.NoError(t, r.Connect(context.Background()))
	f.waitOpen(t)
	id := r.Subscribe(nostr.Filter{}, func(spnostr.SignedEvent) {}, nil)
	f.next(t)

	f.send(t, `["CLOSED","`+id+`","error: shutting down"]`)
	require.Eventually(t, func() bool { return r.Stats().Subscriptions == 0 }, 3*time.Second, 10*time.Millisecond)
}
