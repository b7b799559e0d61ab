package network

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libra/tor"
	"libra/wire"
)

func TestConnChannelRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindDirect, KindRelayed} {
		t.Run(kind.String(), func(t *testing.T) {
			left, right := channelPair("alice", "bob", kind)
			defer left.Close()
			defer right.Close()

			payload := []byte(strings.Repeat("compressible payload ", 200))
			errs := make(chan error, 1)
			go func() {
				errs <- left.Send(context.Background(), payload)
			}()

			got, err := right.Recv(context.Background(), 0)
			require.NoError(t, err)
			require.NoError(t, <-errs)
			require.True(t, bytes.Equal(got, payload), "payload mismatch")
			require.Equal(t, kind, left.Kind())
			require.Equal(t, "bob", left.PeerID())
			require.Equal(t, "alice", right.PeerID())
		})
	}
}

func TestConnChannelRejectsFrameAboveLimit(t *testing.T) {
	left, right := channelPair("alice", "bob", KindDirect)
	defer left.Close()
	defer right.Close()

	go func() {
		_ = left.Send(context.Background(), make([]byte, 64))
		_ = left.Send(context.Background(), []byte("small"))
	}()

	_, err := right.Recv(context.Background(), 32)
	require.ErrorIs(t, err, wire.ErrFrameTooLarge)
	got, err := right.Recv(context.Background(), 32)
	require.NoError(t, err)
	require.Equal(t, "small", string(got))
	require.Equal(t, HealthHealthy, right.Health(), "oversized frame must not degrade the channel")
}

func TestConnChannelStopsInflatingAtLimit(t *testing.T) {
	bomb, err := tor.Compress(make([]byte, 8<<20))
	require.NoError(t, err)
	require.Less(t, len(bomb), 1<<20)

	// The writer sends raw bytes; only the reader inflates.
	left, right := net.Pipe()
	sender := NewConnChannel(left, "bob", KindDirect, ChannelOptions{})
	receiver := NewConnChannel(right, "alice", KindRelayed, ChannelOptions{Compress: true})
	defer sender.Close()
	defer receiver.Close()

	small, err := tor.Compress([]byte("after the bomb"))
	require.NoError(t, err)
	go func() {
		_ = sender.Send(context.Background(), bomb)
		_ = sender.Send(context.Background(), small)
	}()

	_, err = receiver.Recv(context.Background(), 1<<20)
	require.ErrorIs(t, err, wire.ErrFrameTooLarge)
	got, err := receiver.Recv(context.Background(), 1<<20)
	require.NoError(t, err)
	require.Equal(t, "after the bomb", string(got))
	require.Equal(t, HealthHealthy, receiver.Health())
}

func TestConnChannelRecvHonorsContext(t *testing.T) {
	left, right := channelPair("alice", "bob", KindDirect)
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := right.Recv(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), time.Second, "Recv ignored its deadline")
	require.Equal(t, HealthHealthy, right.Health(), "a local deadline must not degrade the channel")

	// The channel stays usable after the deadline is cleared.
	go func() {
		_ = left.Send(context.Background(), []byte("later"))
	}()
	got, err := right.Recv(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "later", string(got))
}

func TestConnChannelCloseIsIdempotent(t *testing.T) {
	left, right := channelPair("alice", "bob", KindDirect)
	defer right.Close()

	require.NoError(t, left.Close())
	require.NoError(t, left.Close())
	require.Equal(t, HealthClosed, left.Health())
	require.ErrorIs(t, left.Send(context.Background(), []byte("x")), net.ErrClosed)
	select {
	case <-left.Done():
	default:
		require.FailNow(t, "Done must be closed after Close")
	}
}

func TestConnChannelDegradesWhenPeerCloses(t *testing.T) {
	left, right := channelPair("alice", "bob", KindDirect)
	defer left.Close()
	_ = right.Close()

	require.Error(t, left.Send(context.Background(), []byte("into the void")))
	require.Equal(t, HealthDegraded, left.Health())
}

func TestKindAndHealthStrings(t *testing.T) {
	cases := map[string]string{
		KindDirect.String():     "direct",
		KindRelayed.String():    "relayed",
		HealthHealthy.String():  "healthy",
		HealthDegraded.String(): "degraded",
		HealthClosed.String():   "closed",
	}
	for got, want := range cases {
		require.Equal(t, want, got)
	}
}
