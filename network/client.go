package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"libra/rendezvous"
)

// AttemptRequest describes one connection attempt to a peer.
type AttemptRequest struct {
	PeerID        string
	NATInfo       rendezvous.NATInfo
	PeerPublicKey *rsa.PublicKey
	Session       rendezvous.SessionInfo
	// Fallback is an already available channel, usually relayed. It may be nil.
	Fallback Channel
	// Timeout bounds the dial and the handshake together.
	Timeout time.Duration
}

// Attempt is the outcome of AttemptConnection. Channel is the direct channel
// when State is StateDirectEstablished and Fallback otherwise. Reason says
// why the direct path was not used.
type Attempt struct {
	Channel Channel
	State   ConnState
	Reason  error
}

type dialResult struct {
	channel *ConnChannel
	err     error
}

// AttemptConnection races a direct dial plus rendezvous handshake against the
// timeout. Without a reachable NAT address it returns the fallback without
// dialing. A direct socket that loses the race or fails its handshake is
// always closed.
func (m *Manager) AttemptConnection(ctx context.Context, req AttemptRequest) Attempt {
	log := m.log.WithField("peer_id", req.PeerID)

	if !req.NATInfo.Reachable() {
		m.setState(req.PeerID, StateUsingFallback)
		log.Debug("No direct address; using fallback")
		return Attempt{Channel: req.Fallback, State: StateUsingFallback, Reason: ErrNoDirectRoute}
	}
	if req.PeerPublicKey == nil {
		m.setState(req.PeerID, StateUsingFallback)
		return Attempt{Channel: req.Fallback, State: StateUsingFallback, Reason: errors.New("peer public key is required for a direct attempt")}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.options.ConnectTimeout
	}
	m.setState(req.PeerID, StateProbingDirect)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		results <- m.dialDirect(attemptCtx, req)
	}()

	var result dialResult
	select {
	case result = <-results:
	case <-attemptCtx.Done():
		// The dialer observes the same context; reap and close whatever it
		// produced.
		go func() {
			if late := <-results; late.channel != nil {
				_ = late.channel.Close()
			}
		}()
		result = dialResult{err: classifyDialError(attemptCtx.Err())}
	}

	if result.err != nil {
		m.setState(req.PeerID, StateUsingFallback)
		log.WithError(result.err).Info("Direct connection failed; using fallback")
		return Attempt{Channel: req.Fallback, State: StateUsingFallback, Reason: result.err}
	}

	m.setState(req.PeerID, StateDirectEstablished)
	log.WithField("address", req.NATInfo.Address()).Info("Direct connection established")
	return Attempt{Channel: result.channel, State: StateDirectEstablished}
}

func (m *Manager) dialDirect(ctx context.Context, req AttemptRequest) dialResult {
	conn, err := m.options.dialFn(ctx, "tcp", req.NATInfo.Address())
	if err != nil {
		return dialResult{err: classifyDialError(err)}
	}

	result, err := rendezvous.Initiate(ctx, conn, rendezvous.InitiateOptions{
		PrivateKey:    m.options.PrivateKey,
		PeerPublicKey: req.PeerPublicKey,
		Session:       req.Session,
		NATInfo:       m.options.LocalNAT,
	})
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return dialResult{err: classifyDialError(ctx.Err())}
		}
		return dialResult{err: fmt.Errorf("rendezvous with %s: %w", req.NATInfo.Address(), err)}
	}
	if req.PeerID != "" && result.PeerID != req.PeerID {
		_ = conn.Close()
		return dialResult{err: fmt.Errorf("%w: expected peer %s, got %s", rendezvous.ErrHandshakeAuthenticationFailure, req.PeerID, result.PeerID)}
	}

	return dialResult{channel: NewConnChannel(conn, result.PeerID, KindDirect, ChannelOptions{})}
}

// OpenRelayed dials address through dial (usually tor.Gateway.Dial),
// authenticates the peer with the rendezvous handshake and returns a
// compressed relayed channel.
func (m *Manager) OpenRelayed(ctx context.Context, dial func(ctx context.Context, address string) (net.Conn, error), address string, peerPublicKey *rsa.PublicKey) (*ConnChannel, error) {
	if peerPublicKey == nil {
		return nil, errors.New("peer public key is required")
	}

	conn, err := dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial relayed %s: %w", address, classifyDialError(err))
	}

	result, err := rendezvous.Initiate(ctx, conn, rendezvous.InitiateOptions{
		PrivateKey:    m.options.PrivateKey,
		PeerPublicKey: peerPublicKey,
		Timeout:       m.options.ConnectTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rendezvous over relay: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"peer_id": result.PeerID,
		"address": address,
	}).Info("Relayed channel established")
	return NewConnChannel(conn, result.PeerID, KindRelayed, ChannelOptions{Compress: true}), nil
}

func classifyDialError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectionTimeout, err)
	}
	return err
}
