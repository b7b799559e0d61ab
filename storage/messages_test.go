package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInsertAndListPending(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(1_706_000_000_000)

	mustInsertMessage(t, store, "msg-2", "peer-1", base.Add(2*time.Second))
	mustInsertMessage(t, store, "msg-1", "peer-1", base.Add(time.Second))
	mustInsertMessage(t, store, "msg-3", "peer-1", base.Add(3*time.Second))
	mustInsertMessage(t, store, "other", "peer-2", base)

	require.NoError(t, store.InsertMessage(Message{
		MessageID: "inbound",
		PeerID:    "peer-1",
		Direction: DirectionInbound,
		Content:   "hi",
		Status:    StatusDelivered,
	}))
	require.NoError(t, store.UpdateStatus("msg-3", StatusSent))

	pending, err := store.ListPending("peer-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "msg-1", pending[0].MessageID)
	require.Equal(t, "msg-2", pending[1].MessageID)
	require.Equal(t, StatusPending, pending[0].Status)
	require.Equal(t, DirectionOutbound, pending[0].Direction)
	require.True(t, pending[0].Timestamp.Equal(base.Add(time.Second)), "unexpected timestamp: %v", pending[0].Timestamp)

	peers, err := store.PendingPeers()
	require.NoError(t, err)
	require.Equal(t, []string{"peer-1", "peer-2"}, peers)

	conversation, err := store.GetMessagesByPeer("peer-1")
	require.NoError(t, err)
	require.Len(t, conversation, 4)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	store := newTestStore(t)
	mustInsertMessage(t, store, "msg-1", "peer-1", time.Now())

	require.ErrorIs(t, store.UpdateStatus("msg-1", StatusDelivered), ErrInvalidTransition, "direct delivered")
	require.NoError(t, store.UpdateStatus("msg-1", StatusSent))
	require.NoError(t, store.UpdateStatus("msg-1", StatusSent), "sent->sent should be a no-op")
	require.ErrorIs(t, store.UpdateStatus("msg-1", StatusPending), ErrInvalidTransition, "sent->pending")
	require.NoError(t, store.MarkDelivered("msg-1"))
	require.NoError(t, store.MarkDelivered("msg-1"), "repeated MarkDelivered should be a no-op")
	require.ErrorIs(t, store.UpdateStatus("msg-1", StatusSent), ErrInvalidTransition, "delivered->sent")

	message, err := store.GetMessage("msg-1")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, message.Status)
}

func TestMarkDeliveredFromPending(t *testing.T) {
	store := newTestStore(t)
	mustInsertMessage(t, store, "msg-1", "peer-1", time.Now())

	require.NoError(t, store.MarkDelivered("msg-1"))
	require.ErrorIs(t, store.MarkDelivered("missing"), ErrNotFound)
}

func TestInsertMessageValidation(t *testing.T) {
	store := newTestStore(t)

	require.Error(t, store.InsertMessage(Message{PeerID: "p"}), "missing message_id")
	require.Error(t, store.InsertMessage(Message{MessageID: "m"}), "missing peer_id")
	require.Error(t, store.InsertMessage(Message{MessageID: "m", PeerID: "p", Status: "lost"}), "invalid status")
	mustInsertMessage(t, store, "dup", "p", time.Now())
	require.Error(t, store.InsertMessage(Message{MessageID: "dup", PeerID: "p"}), "duplicate message_id")
	require.NoError(t, store.DeleteMessage("dup"))
	require.ErrorIs(t, store.DeleteMessage("dup"), ErrNotFound)
}
