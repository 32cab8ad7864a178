package conversation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	me    = "aaaa"
	alice = "bbbb"
	bob   = "cccc"
)

func TestRecordReceivedDedup(t *testing.T) {
	s := NewStore()
	msg := Message{ID: "w1", SenderKey: alice, Content: "hi", Timestamp: 10}

	added, err := s.RecordReceived(alice, msg)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.RecordReceived(alice, msg)
	require.NoError(t, err)
	assert.False(t, added)

	conv, ok := s.Get(alice)
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)
}

func TestRecordReceivedOrdersByTimestamp(t *testing.T) {
	s := NewStore()
	for _, m := range []Message{
		{ID: "w2", SenderKey: alice, Timestamp: 20},
		{ID: "w3", SenderKey: alice, Timestamp: 30},
		{ID: "w1", SenderKey: alice, Timestamp: 10},
	} {
		_, err := s.RecordReceived(alice, m)
		require.NoError(t, err)
	}

	conv, _ := s.Get(alice)
	var ids []string
	for _, m := range conv.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"w1", "w2", "w3"}, ids)
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	s := NewStore()
	_, _ = s.RecordReceived(alice, Message{ID: "a", Timestamp: 5})
	_, _ = s.RecordReceived(alice, Message{ID: "b", Timestamp: 5})
	_, _ = s.RecordReceived(alice, Message{ID: "c", Timestamp: 1})

	conv, _ := s.Get(alice)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "c", conv.Messages[0].ID)
	assert.Equal(t, "a", conv.Messages[1].ID)
	assert.Equal(t, "b", conv.Messages[2].ID)
}

func TestIsMineComesFromLocalIdentity(t *testing.T) {
	s := NewStore()
	s.SetLocalIdentity(me)

	_, err := s.RecordReceived(alice, Message{ID: "echo", SenderKey: me, Timestamp: 1})
	require.NoError(t, err)
	_, err = s.RecordReceived(alice, Message{ID: "theirs", SenderKey: alice, Timestamp: 2, IsMine: true})
	require.NoError(t, err)

	conv, _ := s.Get(alice)
	assert.True(t, conv.Messages[0].IsMine)
	assert.False(t, conv.Messages[1].IsMine, "caller-supplied IsMine is ignored")
}

func TestRecordSent(t *testing.T) {
	s := NewStore()
	s.SetLocalIdentity(me)

	require.NoError(t, s.RecordSent(bob, Message{ID: "s1", Content: "offer", Timestamp: 100}))
	conv, ok := s.Get(bob)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.True(t, conv.Messages[0].IsMine)
	assert.Equal(t, me, conv.Messages[0].SenderKey)

	assert.ErrorIs(t, s.RecordSent("", Message{ID: "x"}), ErrEmptyPeer)
}

func TestListOrdering(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open("empty1", Options{}))
	_, _ = s.RecordReceived(alice, Message{ID: "a", Timestamp: 10})
	require.NoError(t, s.Open("empty2", Options{}))
	_, _ = s.RecordReceived(bob, Message{ID: "b", Timestamp: 20})

	var peers []string
	for _, c := range s.List() {
		peers = append(peers, c.PeerKey)
	}
	assert.Equal(t, []string{bob, alice, "empty1", "empty2"}, peers)
}

func TestOpenFillsMissingMetadata(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open(alice, Options{Label: "@alice"}))
	require.NoError(t, s.Open(alice, Options{Label: "ignored", Listing: &ListingRef{Hash: "h1", Price: "25"}}))

	conv, _ := s.Get(alice)
	assert.Equal(t, "@alice", conv.Label)
	require.NotNil(t, conv.Listing)
	assert.Equal(t, "h1", conv.Listing.Hash)
	assert.Equal(t, EscrowNone, conv.EscrowStatus)
	assert.Equal(t, alice, s.Active())

	assert.ErrorIs(t, s.Open("", Options{}), ErrEmptyPeer)
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open(alice, Options{Listing: &ListingRef{Hash: "h"}}))
	_, _ = s.RecordReceived(alice, Message{ID: "a", Content: "orig", Timestamp: 1})

	conv, _ := s.Get(alice)
	conv.Messages[0].Content = "mutated"
	conv.Listing.Hash = "mutated"

	again, _ := s.Get(alice)
	assert.Equal(t, "orig", again.Messages[0].Content)
	assert.Equal(t, "h", again.Listing.Hash)
}

func TestUpdateDeal(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Open(alice, Options{}))

	price := "42.5"
	funded := EscrowFunded
	require.NoError(t, s.UpdateDeal(alice, DealUpdate{AgreedPrice: &price}))
	require.NoError(t, s.UpdateDeal(alice, DealUpdate{EscrowStatus: &funded}))

	conv, _ := s.Get(alice)
	assert.Equal(t, "42.5", conv.AgreedPrice)
	assert.Equal(t, EscrowFunded, conv.EscrowStatus)

	bogus := EscrowStatus("stolen")
	assert.Error(t, s.UpdateDeal(alice, DealUpdate{EscrowStatus: &bogus}))
	assert.Error(t, s.UpdateDeal(bob, DealUpdate{AgreedPrice: &price}))
}

func TestMarkSeen(t *testing.T) {
	s := NewStore()
	assert.True(t, s.MarkSeen("w1"))
	assert.False(t, s.MarkSeen("w1"))
	assert.True(t, s.MarkSeen("w2"))
	assert.Equal(t, 2, s.SeenCount())

	s.Forget("w1")
	assert.True(t, s.MarkSeen("w1"))
}

func TestMarkSeenConcurrent(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkSeen("same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
}

func TestOnChangeAndReset(t *testing.T) {
	s := NewStore()
	var changed []string
	s.OnChange(func(peer string) { changed = append(changed, peer) })

	s.SetLocalIdentity(me)
	require.NoError(t, s.Open(alice, Options{}))
	_, _ = s.RecordReceived(bob, Message{ID: "x", Timestamp: 1})
	_, _ = s.RecordReceived(bob, Message{ID: "x", Timestamp: 1})
	s.MarkSeen("x")
	assert.Equal(t, []string{alice, bob}, changed)

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.List())
	assert.Equal(t, "", s.Active())
	assert.Equal(t, "", s.LocalIdentity())
	assert.True(t, s.MarkSeen("x"))
}
