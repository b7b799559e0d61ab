package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"libra/wire"
)

func TestDropReasonString(t *testing.T) {
	cases := map[DropReason]string{
		DropMalformed:   "malformed",
		DropRateLimited: "rate_limited",
		DropDuplicate:   "duplicate",
		DropUnexpected:  "unexpected",
		DropReason(42):  "drop(42)",
	}
	for reason, want := range cases {
		require.Equal(t, want, reason.String(), "DropReason(%d)", int(reason))
	}
}

func TestDropCountersSnapshotOmitsZeroes(t *testing.T) {
	var counters dropCounters
	counters.add(DropDuplicate)
	counters.add(DropDuplicate)
	counters.add(DropMalformed)

	stats := counters.snapshot()
	require.Len(t, stats.Dropped, 2)
	require.EqualValues(t, 2, stats.Dropped[DropDuplicate])
	require.EqualValues(t, 1, stats.Dropped[DropMalformed])
}

func TestRecvMessageRejectsMalformedFrame(t *testing.T) {
	left, right := channelPair("alice", "bob", KindDirect)
	defer left.Close()
	defer right.Close()

	go func() {
		_ = left.Send(context.Background(), []byte(`{"type":"nonsense"}`))
		_ = SendMessage(context.Background(), left, wire.NewHeartbeat())
	}()

	_, err := RecvMessage(context.Background(), right)
	require.ErrorIs(t, err, wire.ErrMalformedWireMessage)
	msg, err := RecvMessage(context.Background(), right)
	require.NoError(t, err)
	require.Equal(t, wire.KindHeartbeat, msg.Kind())
}
