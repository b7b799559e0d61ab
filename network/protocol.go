package network

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"libra/wire"
)

const (
	// DefaultInboundBurst and DefaultInboundWindow bound inbound frames per
	// channel: DefaultInboundBurst frames per DefaultInboundWindow.
	DefaultInboundBurst  = 10
	DefaultInboundWindow = 5 * time.Second
)

// DropReason classifies an inbound frame discarded by Serve.
type DropReason int

const (
	DropMalformed DropReason = iota
	DropRateLimited
	DropDuplicate
	DropUnexpected
	dropReasonCount
)

func (r DropReason) String() string {
	switch r {
	case DropMalformed:
		return "malformed"
	case DropRateLimited:
		return "rate_limited"
	case DropDuplicate:
		return "duplicate"
	case DropUnexpected:
		return "unexpected"
	default:
		return fmt.Sprintf("drop(%d)", int(r))
	}
}

// Stats counts inbound frames Serve discarded, per reason.
type Stats struct {
	Dropped map[DropReason]uint64
}

type dropCounters [dropReasonCount]atomic.Uint64

func (d *dropCounters) add(reason DropReason) {
	d[reason].Add(1)
}

func (d *dropCounters) snapshot() Stats {
	stats := Stats{Dropped: make(map[DropReason]uint64, dropReasonCount)}
	for i := range d {
		if n := d[i].Load(); n > 0 {
			stats.Dropped[DropReason(i)] = n
		}
	}
	return stats
}

// SendMessage encodes msg and sends it as one frame on ch.
func SendMessage(ctx context.Context, ch Channel, msg wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, payload); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}

// RecvMessage reads and decodes one frame from ch. A decode failure wraps
// wire.ErrMalformedWireMessage; the channel stays usable.
func RecvMessage(ctx context.Context, ch Channel) (wire.Message, error) {
	payload, err := ch.Recv(ctx, wire.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	return wire.Decode(payload)
}
