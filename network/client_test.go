package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"libra/rendezvous"
)

// trackingConn records whether Close was called.
type trackingConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackingConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// pipeDialer returns a dialFn that hands out one end of a net.Pipe and runs
// respond on the other end.
func pipeDialer(respond func(server net.Conn)) (DialFunc, *atomic.Pointer[trackingConn]) {
	var last atomic.Pointer[trackingConn]
	dial := func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		tracked := &trackingConn{Conn: client}
		last.Store(tracked)
		go respond(server)
		return tracked, nil
	}
	return dial, &last
}

func responder(key *rsa.PrivateKey) func(net.Conn) {
	return func(server net.Conn) {
		_, err := rendezvous.Respond(context.Background(), server, rendezvous.RespondOptions{
			PrivateKey: key,
			NATInfo:    rendezvous.NATInfo{ExternalIP: "192.0.2.10", ExternalPort: 7000},
			Timeout:    2 * time.Second,
		})
		if err != nil {
			_ = server.Close()
		}
	}
}

var reachable = rendezvous.NATInfo{ExternalIP: "192.0.2.10", ExternalPort: 7000}

func TestAttemptFallsBackWithoutDialWhenNATInfoMissing(t *testing.T) {
	cases := []struct {
		name string
		nat  rendezvous.NATInfo
	}{
		{name: "missing ip", nat: rendezvous.NATInfo{ExternalPort: 7000}},
		{name: "missing port", nat: rendezvous.NATInfo{ExternalIP: "192.0.2.10"}},
		{name: "missing both", nat: rendezvous.NATInfo{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var dialed atomic.Bool
			manager := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
				o.dialFn = func(context.Context, string, string) (net.Conn, error) {
					dialed.Store(true)
					return nil, errors.New("unexpected dial")
				}
			})
			fallback := newFakeChannel("peer-1", KindRelayed)

			attempt := manager.AttemptConnection(context.Background(), AttemptRequest{
				PeerID:        "peer-1",
				NATInfo:       tc.nat,
				PeerPublicKey: &testKey(t, 1).PublicKey,
				Fallback:      fallback,
			})

			require.False(t, dialed.Load(), "socket opened without NAT info")
			require.Equal(t, Channel(fallback), attempt.Channel)
			require.Equal(t, StateUsingFallback, attempt.State)
			require.Equal(t, StateUsingFallback, manager.State("peer-1"))
			require.ErrorIs(t, attempt.Reason, ErrNoDirectRoute)
		})
	}
}

func TestAttemptEstablishesDirectAfterHandshake(t *testing.T) {
	responderKey := testKey(t, 1)
	responderID := testPeerID(t, responderKey)

	dial, last := pipeDialer(responder(responderKey))
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
		o.dialFn = dial
	})
	fallback := newFakeChannel(responderID, KindRelayed)

	attempt := manager.AttemptConnection(context.Background(), AttemptRequest{
		PeerID:        responderID,
		NATInfo:       reachable,
		PeerPublicKey: &responderKey.PublicKey,
		Fallback:      fallback,
		Timeout:       2 * time.Second,
	})
	require.NoError(t, attempt.Reason)
	require.NotNil(t, attempt.Channel)
	require.NotEqual(t, Channel(fallback), attempt.Channel, "expected a direct channel")
	require.Equal(t, KindDirect, attempt.Channel.Kind())
	require.Equal(t, responderID, attempt.Channel.PeerID())
	require.Equal(t, StateDirectEstablished, attempt.State)
	require.Equal(t, StateDirectEstablished, manager.State(responderID))
	require.Equal(t, HealthHealthy, fallback.Health(), "fallback must be left open")

	_ = attempt.Channel.Close()
	require.True(t, last.Load().closed.Load(), "expected direct socket closed with its channel")
}

func TestAttemptClosesSocketWhenHandshakeFails(t *testing.T) {
	expectedKey := testKey(t, 1)
	impostorKey := testKey(t, 2)

	dial, last := pipeDialer(responder(impostorKey))
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
		o.dialFn = dial
	})
	fallback := newFakeChannel("peer-1", KindRelayed)

	attempt := manager.AttemptConnection(context.Background(), AttemptRequest{
		PeerID:        "peer-1",
		NATInfo:       reachable,
		PeerPublicKey: &expectedKey.PublicKey,
		Fallback:      fallback,
		Timeout:       2 * time.Second,
	})
	require.Equal(t, Channel(fallback), attempt.Channel, "expected fallback after failed handshake")
	require.Error(t, attempt.Reason)
	require.True(t, last.Load().closed.Load(), "direct socket leaked after failed handshake")
}

func TestAttemptTimeoutClosesDirectSocket(t *testing.T) {
	silent := func(server net.Conn) {
		time.Sleep(time.Second)
		_ = server.Close()
	}

	dial, last := pipeDialer(silent)
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
		o.dialFn = dial
	})
	fallback := newFakeChannel("peer-1", KindRelayed)

	started := time.Now()
	attempt := manager.AttemptConnection(context.Background(), AttemptRequest{
		PeerID:        "peer-1",
		NATInfo:       reachable,
		PeerPublicKey: &testKey(t, 1).PublicKey,
		Fallback:      fallback,
		Timeout:       100 * time.Millisecond,
	})
	require.Less(t, time.Since(started), 800*time.Millisecond, "attempt outlived its timeout")
	require.Equal(t, Channel(fallback), attempt.Channel, "expected fallback after timeout")
	require.ErrorIs(t, attempt.Reason, ErrConnectionTimeout)
	require.True(t, waitForCondition(t, time.Second, func() bool { return last.Load().closed.Load() }), "direct socket leaked after timeout")
}

func TestAttemptClassifiesRefusedDial(t *testing.T) {
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
		o.dialFn = func(context.Context, string, string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
		}
	})

	attempt := manager.AttemptConnection(context.Background(), AttemptRequest{
		PeerID:        "peer-1",
		NATInfo:       reachable,
		PeerPublicKey: &testKey(t, 1).PublicKey,
	})
	require.Nil(t, attempt.Channel, "expected no channel without fallback")
	require.ErrorIs(t, attempt.Reason, ErrConnectionRefused)
}

func TestAttemptRejectsUnexpectedPeerID(t *testing.T) {
	responderKey := testKey(t, 1)

	dial, last := pipeDialer(responder(responderKey))
	manager := newTestManager(t, testKey(t, 0), newTestStore(t), func(o *Options) {
		o.dialFn = dial
	})

	attempt := manager.AttemptConnection(context.Background(), AttemptRequest{
		PeerID:        "someone-else",
		NATInfo:       reachable,
		PeerPublicKey: &responderKey.PublicKey,
		Timeout:       2 * time.Second,
	})
	require.ErrorIs(t, attempt.Reason, rendezvous.ErrHandshakeAuthenticationFailure)
	require.True(t, last.Load().closed.Load(), "direct socket leaked after peer mismatch")
}
