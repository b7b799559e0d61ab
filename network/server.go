package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"libra/rendezvous"
)

// ErrPeerBlocked indicates an inbound peer is blocked locally.
var ErrPeerBlocked = errors.New("network: peer is blocked")

// Listener accepts inbound TCP sessions, runs the responder side of the
// rendezvous handshake and emits authenticated channels.
type Listener struct {
	manager  *Manager
	listener net.Listener
	kind     Kind

	incoming chan *ConnChannel
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener on address. Channels it produces have the
// given kind; relayed listeners sit behind an onion service and compress.
func (m *Manager) Listen(address string, kind Kind) (*Listener, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		manager:  m,
		listener: listener,
		kind:     kind,
		incoming: make(chan *ConnChannel, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	m.log.WithFields(logrus.Fields{
		"address": listener.Addr().String(),
		"kind":    kind.String(),
	}).Info("Listening for peers")

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the listening TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Incoming returns authenticated inbound channels.
func (l *Listener) Incoming() <-chan *ConnChannel {
	return l.incoming
}

// Errors returns asynchronous listener errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes the listener channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *Listener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	m := l.manager
	result, err := rendezvous.Respond(ctx, conn, rendezvous.RespondOptions{
		PrivateKey: m.options.PrivateKey,
		NATInfo:    m.options.LocalNAT,
		Timeout:    m.options.ConnectTimeout,
		Authorize:  m.authorizePeer,
	})
	if err != nil {
		_ = conn.Close()
		l.reportError(fmt.Errorf("inbound rendezvous from %s: %w", conn.RemoteAddr(), err))
		return
	}

	channel := NewConnChannel(conn, result.PeerID, l.kind, ChannelOptions{Compress: l.kind == KindRelayed})
	m.log.WithFields(logrus.Fields{
		"peer_id": result.PeerID,
		"kind":    l.kind.String(),
		"remote":  conn.RemoteAddr().String(),
	}).Info("Inbound channel authenticated")

	select {
	case l.incoming <- channel:
	case <-l.closed:
		_ = channel.Close()
	}
}

func (m *Manager) authorizePeer(peerID string, _ *rsa.PublicKey) error {
	if m.options.Peers == nil {
		return nil
	}
	blocked, err := m.options.Peers.IsBlocked(peerID)
	if err != nil {
		return fmt.Errorf("check peer %s: %w", peerID, err)
	}
	if blocked {
		return fmt.Errorf("%w: %s", ErrPeerBlocked, peerID)
	}
	return nil
}

func (l *Listener) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case l.errs <- err:
	default:
	}
}
