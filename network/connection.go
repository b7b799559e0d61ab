package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"libra/tor"
	"libra/wire"
)

// Kind says how a channel reaches its peer.
type Kind int

const (
	KindDirect Kind = iota
	KindRelayed
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindRelayed:
		return "relayed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Health is the last observed condition of a channel.
type Health int32

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthClosed
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthClosed:
		return "closed"
	default:
		return fmt.Sprintf("health(%d)", int32(h))
	}
}

// Channel is a framed, transport-agnostic link to one peer.
//
// Send and Recv each carry whole frames. Send may be called concurrently;
// Recv expects a single reader.
type Channel interface {
	Kind() Kind
	PeerID() string
	Health() Health
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context, maxBytes int) ([]byte, error)
	Close() error
}

// ChannelOptions controls a ConnChannel.
type ChannelOptions struct {
	// Compress wraps every frame with tor.Compress and unwraps inbound frames
	// with tor.Decompress. Both ends must agree.
	Compress bool
}

// ConnChannel is a Channel over a net.Conn.
type ConnChannel struct {
	conn     net.Conn
	kind     Kind
	peerID   string
	compress bool

	sendMu sync.Mutex
	recvMu sync.Mutex

	health atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnChannel wraps an already authenticated connection.
func NewConnChannel(conn net.Conn, peerID string, kind Kind, options ChannelOptions) *ConnChannel {
	return &ConnChannel{
		conn:     conn,
		kind:     kind,
		peerID:   peerID,
		compress: options.Compress,
		closed:   make(chan struct{}),
	}
}

func (c *ConnChannel) Kind() Kind     { return c.kind }
func (c *ConnChannel) PeerID() string { return c.peerID }

// Health returns the channel's current health.
func (c *ConnChannel) Health() Health {
	return Health(c.health.Load())
}

// Done is closed once the channel is closed.
func (c *ConnChannel) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the remote socket address.
func (c *ConnChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes payload as one frame. ctx bounds the write.
func (c *ConnChannel) Send(ctx context.Context, payload []byte) error {
	if c.Health() == HealthClosed {
		return net.ErrClosed
	}

	if c.compress {
		compressed, err := tor.Compress(payload)
		if err != nil {
			return fmt.Errorf("compress frame: %w", err)
		}
		payload = compressed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	release := bindConnDeadline(ctx, c.conn.SetWriteDeadline)
	err := wire.WriteFrame(c.conn, payload)
	release()
	if err != nil {
		return c.ioError(ctx, "write frame", err)
	}
	return nil
}

// Recv reads one frame. Frames larger than maxBytes are consumed and
// rejected with wire.ErrFrameTooLarge; maxBytes <= 0 means wire.MaxFrameSize.
func (c *ConnChannel) Recv(ctx context.Context, maxBytes int) ([]byte, error) {
	if c.Health() == HealthClosed {
		return nil, net.ErrClosed
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	release := bindConnDeadline(ctx, c.conn.SetReadDeadline)
	payload, err := wire.ReadFrame(c.conn)
	release()
	if err != nil {
		return nil, c.ioError(ctx, "read frame", err)
	}

	if maxBytes <= 0 {
		maxBytes = wire.MaxFrameSize
	}
	if c.compress {
		payload, err = tor.DecompressLimit(payload, int64(maxBytes))
		if errors.Is(err, tor.ErrInflateLimit) {
			return nil, fmt.Errorf("%w: inflated frame exceeds limit %d", wire.ErrFrameTooLarge, maxBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", wire.ErrMalformedWireMessage, err)
		}
	}
	if len(payload) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", wire.ErrFrameTooLarge, len(payload), maxBytes)
	}
	return payload, nil
}

// Close closes the underlying connection. It is idempotent.
func (c *ConnChannel) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.health.Store(int32(HealthClosed))
		closeErr = c.conn.Close()
		close(c.closed)
	})
	return closeErr
}

// ioError maps a failed read or write. Context expiry is reported as the
// context error and leaves health untouched; anything else degrades the channel.
func (c *ConnChannel) ioError(ctx context.Context, op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
	}
	if op == "write frame" && errors.Is(err, wire.ErrFrameTooLarge) {
		return err
	}
	c.health.CompareAndSwap(int32(HealthHealthy), int32(HealthDegraded))
	return fmt.Errorf("%s: %w", op, err)
}

// bindConnDeadline applies ctx's deadline through set and expires it when
// ctx is cancelled. The returned func clears the deadline.
func bindConnDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = set(time.Time{})
	}
}
