package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libra/rendezvous"
	"libra/wire"
)

func listenOrFail(t *testing.T, manager *Manager, kind Kind) *Listener {
	t.Helper()

	listener, err := manager.Listen("127.0.0.1:0", kind)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})
	return listener
}

func TestListenerRejectsBlockedPeer(t *testing.T) {
	aliceKey, bobKey := testKey(t, 0), testKey(t, 1)
	aliceID := testPeerID(t, aliceKey)
	bobStore := newTestStore(t)

	require.NoError(t, bobStore.AddPeer(aliceID, "alice", "pem", "fingerprint"))
	require.NoError(t, bobStore.SetPeerBlocked(aliceID, true))

	alice := newTestManager(t, aliceKey, newTestStore(t), nil)
	bob := newTestManager(t, bobKey, bobStore, nil)
	listener := listenOrFail(t, bob, KindDirect)

	fallback := newFakeChannel(testPeerID(t, bobKey), KindRelayed)
	attempt := alice.AttemptConnection(context.Background(), AttemptRequest{
		PeerID:        testPeerID(t, bobKey),
		NATInfo:       rendezvous.NATInfo{ExternalIP: "127.0.0.1", ExternalPort: listener.Port()},
		PeerPublicKey: &bobKey.PublicKey,
		Fallback:      fallback,
		Timeout:       2 * time.Second,
	})
	require.Equal(t, Channel(fallback), attempt.Channel, "blocked peer must end on fallback")

	select {
	case err := <-listener.Errors():
		require.ErrorIs(t, err, rendezvous.ErrHandshakeAuthenticationFailure)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "listener reported no error")
	}

	select {
	case ch := <-listener.Incoming():
		require.FailNowf(t, "blocked peer produced a channel", "peer %s", ch.PeerID())
	default:
	}
}

func TestRelayedListenerRoundTripsCompressedText(t *testing.T) {
	aliceKey, bobKey := testKey(t, 0), testKey(t, 1)
	aliceID, bobID := testPeerID(t, aliceKey), testPeerID(t, bobKey)
	bobStore := newTestStore(t)

	alice := newTestManager(t, aliceKey, newTestStore(t), nil)
	bob := newTestManager(t, bobKey, bobStore, nil)
	listener := listenOrFail(t, bob, KindRelayed)

	serveCtx, stopServing := context.WithCancel(context.Background())
	t.Cleanup(stopServing)
	go func() {
		for ch := range listener.Incoming() {
			if ch.Kind() != KindRelayed || ch.PeerID() != aliceID {
				continue
			}
			go func() {
				_ = bob.Serve(serveCtx, ch)
			}()
		}
	}()

	dial := func(ctx context.Context, address string) (net.Conn, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", address)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := alice.OpenRelayed(ctx, dial, listener.Addr().String(), &bobKey.PublicKey)
	require.NoError(t, err)
	defer ch.Close()
	require.Equal(t, KindRelayed, ch.Kind())
	require.Equal(t, bobID, ch.PeerID())

	sendOrFail(t, ch, wire.Text{MessageID: "relayed-1", Content: "over the relay", Timestamp: time.Now().UnixMilli()})
	ack := recvKind[wire.Ack](t, ch)
	require.Equal(t, "relayed-1", ack.MessageID)

	stored, err := bobStore.GetMessage("relayed-1")
	require.NoError(t, err)
	require.Equal(t, "over the relay", stored.Content)
	require.Equal(t, aliceID, stored.PeerID)
}

func TestOpenRelayedRequiresPeerKey(t *testing.T) {
	alice := newTestManager(t, testKey(t, 0), newTestStore(t), nil)
	_, err := alice.OpenRelayed(context.Background(), func(context.Context, string) (net.Conn, error) {
		require.FailNow(t, "dial must not run without a peer key")
		return nil, nil
	}, "example.onion:80", nil)
	require.Error(t, err, "expected error without peer key")
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	bob := newTestManager(t, testKey(t, 1), newTestStore(t), nil)
	listener, err := bob.Listen("127.0.0.1:0", KindDirect)
	require.NoError(t, err)
	require.NotZero(t, listener.Port(), "expected a bound port")
	require.NoError(t, listener.Close())
	require.NoError(t, listener.Close())
	_, ok := <-listener.Incoming()
	require.False(t, ok, "Incoming must be closed")
}
