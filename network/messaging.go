package network

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"libra/storage"
	"libra/wire"
)

// Serve reads ch until it closes or ctx ends.
//
// Text messages are acknowledged every time they arrive and stored once,
// keyed by message ID. Acks mark the matching outbound message delivered;
// nothing else does. File offers followed by their chunks are reassembled
// into FilesDir. Frames that fail to decode, exceed the inbound rate or
// arrive out of place are dropped and counted in Stats.
func (m *Manager) Serve(ctx context.Context, ch Channel) error {
	limiter := m.newInboundLimiter()
	log := m.log.WithFields(logrus.Fields{
		"peer_id": ch.PeerID(),
		"kind":    ch.Kind().String(),
	})

	var inbound *fileAssembly
	defer func() {
		if inbound != nil {
			inbound.discard()
		}
	}()

	for {
		payload, err := ch.Recv(ctx, wire.MaxFrameSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrMalformedWireMessage) {
				m.drops.add(DropMalformed)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ch.Health() == HealthClosed {
				return nil
			}
			return err
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			m.drops.add(DropMalformed)
			log.WithError(err).Debug("Inbound frame dropped")
			continue
		}

		// Chunks of an accepted offer are bounded by the offer itself.
		_, isChunk := msg.(wire.FileChunk)
		if !(isChunk && inbound != nil) && !limiter.Allow() {
			m.drops.add(DropRateLimited)
			log.WithField("type", msg.Kind().String()).Debug("Inbound frame dropped by rate limiter")
			continue
		}

		switch msg := msg.(type) {
		case wire.Text:
			m.handleText(ctx, ch, msg, log)
		case wire.Ack:
			m.handleAck(ch, msg, log)
		case wire.Heartbeat:
		case wire.FileOffer:
			if inbound != nil {
				inbound.discard()
			}
			inbound, err = m.beginFileAssembly(ch.PeerID(), msg)
			if err != nil {
				m.drops.add(DropUnexpected)
				log.WithError(err).Warn("Rejected file offer")
				continue
			}
			if inbound.complete() {
				m.finishFileAssembly(ctx, inbound, log)
				inbound = nil
			}
		case wire.FileChunk:
			if inbound == nil {
				m.drops.add(DropUnexpected)
				continue
			}
			if err := inbound.add(msg); err != nil {
				m.drops.add(DropUnexpected)
				log.WithError(err).Debug("Inbound chunk dropped")
				continue
			}
			if inbound.complete() {
				m.finishFileAssembly(ctx, inbound, log)
				inbound = nil
			}
		}
	}
}

func (m *Manager) handleText(ctx context.Context, ch Channel, msg wire.Text, log *logrus.Entry) {
	log = log.WithField("message_id", msg.MessageID)

	fresh, err := m.options.Messages.MarkSeen(msg.MessageID)
	if err != nil {
		log.WithError(err).Error("Failed to record inbound message ID")
		return
	}

	if fresh {
		message := storage.Message{
			MessageID: msg.MessageID,
			PeerID:    ch.PeerID(),
			Direction: storage.DirectionInbound,
			Content:   msg.Content,
			Timestamp: time.UnixMilli(msg.Timestamp),
			Status:    storage.StatusDelivered,
		}
		if err := m.options.Messages.InsertMessage(message); err != nil {
			log.WithError(err).Error("Failed to store inbound message")
		} else if m.options.OnMessage != nil {
			m.options.OnMessage(message)
		}
	} else {
		m.drops.add(DropDuplicate)
	}

	// Ack duplicates too: the sender may have missed the first ack.
	ackCtx, cancel := context.WithTimeout(ctx, m.options.ConnectTimeout)
	defer cancel()
	if err := SendMessage(ackCtx, ch, wire.NewAck(msg.MessageID)); err != nil {
		log.WithError(err).Warn("Failed to send ack")
	}
}

// handleAck marks an outbound message delivered when the acking channel
// belongs to the peer the message was sent to.
func (m *Manager) handleAck(ch Channel, msg wire.Ack, log *logrus.Entry) {
	log = log.WithField("message_id", msg.MessageID)

	message, err := m.options.Messages.GetMessage(msg.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.drops.add(DropUnexpected)
			return
		}
		log.WithError(err).Error("Failed to load acknowledged message")
		return
	}
	if message.Direction != storage.DirectionOutbound || message.PeerID != ch.PeerID() {
		m.drops.add(DropUnexpected)
		log.Warn("Ack for a message not sent to this peer")
		return
	}

	if err := m.options.Messages.MarkDelivered(msg.MessageID); err != nil {
		log.WithError(err).Error("Failed to mark message delivered")
	}
}

func (m *Manager) finishFileAssembly(ctx context.Context, inbound *fileAssembly, log *logrus.Entry) {
	meta, err := m.completeFile(ctx, inbound, nil)
	if err != nil {
		log.WithError(err).WithField("file_name", inbound.offer.FileName).Error("Inbound file failed")
		return
	}
	log.WithFields(logrus.Fields{
		"file_name": meta.FileName,
		"file_size": meta.FileSize,
	}).Info("Inbound file received")
}
