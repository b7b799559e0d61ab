// Package network arbitrates between direct and relayed channels to a peer,
// watches the active channel's health, and delivers messages and files over
// whichever channel is authoritative.
package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"libra/rendezvous"
	"libra/storage"
	"libra/transfer"
	"libra/wire"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxRetries        = 5
	DefaultRetryInterval     = time.Second
	// DefaultMaxFileSize bounds an inbound file offer.
	DefaultMaxFileSize = 256 << 20
	// MaxOfferChunks bounds the chunk count of an inbound file offer.
	MaxOfferChunks = 1 << 16
)

var (
	// ErrConnectionTimeout indicates a direct attempt did not complete in time.
	ErrConnectionTimeout = errors.New("network: connection timeout")
	// ErrConnectionRefused indicates the peer actively refused the direct dial.
	ErrConnectionRefused = errors.New("network: connection refused")
	// ErrNoDirectRoute indicates the peer advertised no usable address.
	ErrNoDirectRoute = errors.New("network: no direct route")
	// ErrNoChannel indicates there is no authoritative channel for a peer.
	ErrNoChannel = errors.New("network: no channel for peer")
	// ErrChannelReplaced indicates the peer's authoritative channel changed
	// while a multi-frame send was using it.
	ErrChannelReplaced = errors.New("network: channel replaced")
	// ErrManagerClosed indicates the manager has been closed.
	ErrManagerClosed = errors.New("network: manager closed")
)

// ConnState is the per-peer connection-attempt state.
type ConnState int

const (
	StateNotStarted ConnState = iota
	StateProbingDirect
	StateDirectEstablished
	StateUsingFallback
	StateMonitoring
	StateActive
	StateFailedOver
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateProbingDirect:
		return "probing_direct"
	case StateDirectEstablished:
		return "direct_established"
	case StateUsingFallback:
		return "using_fallback"
	case StateMonitoring:
		return "monitoring"
	case StateActive:
		return "active"
	case StateFailedOver:
		return "failed_over"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageStore persists outbound and inbound messages. *storage.Store
// satisfies it.
type MessageStore interface {
	InsertMessage(message storage.Message) error
	GetMessage(messageID string) (*storage.Message, error)
	ListPending(peerID string) ([]storage.Message, error)
	PendingPeers() ([]string, error)
	UpdateStatus(messageID string, status storage.MessageStatus) error
	MarkDelivered(messageID string) error
	MarkSeen(messageID string) (bool, error)
}

// FileStore records completed inbound transfers.
type FileStore interface {
	InsertFileMetadata(file storage.FileMetadata) (int64, error)
}

// PeerStore answers whether a peer may connect.
type PeerStore interface {
	IsBlocked(peerID string) (bool, error)
}

// DialFunc opens a raw connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Manager.
type Options struct {
	PrivateKey *rsa.PrivateKey
	Messages   MessageStore
	Files      FileStore
	Peers      PeerStore

	// LocalNAT is advertised to peers during the handshake.
	LocalNAT rendezvous.NATInfo

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ChunkSize         int
	MaxRetries        int
	RetryInterval     time.Duration
	FilesDir          string
	// MaxFileSize bounds inbound file offers; larger offers are rejected.
	MaxFileSize int64

	InboundBurst  int
	InboundWindow time.Duration

	OnMessage func(storage.Message)
	OnFile    func(storage.FileMetadata)

	Logger *logrus.Entry

	dialFn     DialFunc
	retryTimer func() retryTimer
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = transfer.DefaultChunkSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.FilesDir == "" {
		o.FilesDir = "./files"
	}
	if o.InboundBurst <= 0 {
		o.InboundBurst = DefaultInboundBurst
	}
	if o.InboundWindow <= 0 {
		o.InboundWindow = DefaultInboundWindow
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("component", "network")
	}
	if o.dialFn == nil {
		dialer := &net.Dialer{}
		o.dialFn = dialer.DialContext
	}
	if o.retryTimer == nil {
		o.retryTimer = newDefaultRetryTimer
	}
	return o
}

type peerEntry struct {
	// mu guards active and serializes every send to the peer, so a swap
	// cannot interleave with a send on the old channel.
	mu     sync.Mutex
	active Channel
	state  ConnState

	// retryMu serializes queue retries for the peer.
	retryMu sync.Mutex
}

// Manager owns the authoritative channel per peer.
type Manager struct {
	options Options
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*peerEntry

	drops dropCounters

	closeOnce sync.Once
}

// NewManager validates options and returns a manager ready for use.
func NewManager(options Options) (*Manager, error) {
	if options.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	if options.Messages == nil {
		return nil, errors.New("message store is required")
	}
	opts := options.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: opts,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peerEntry),
	}, nil
}

// Close stops background monitors and closes every authoritative channel.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		entries := make([]*peerEntry, 0, len(m.peers))
		for _, entry := range m.peers {
			entries = append(entries, entry)
		}
		m.mu.Unlock()

		for _, entry := range entries {
			entry.mu.Lock()
			if entry.active != nil {
				_ = entry.active.Close()
				entry.active = nil
			}
			entry.state = StateClosed
			entry.mu.Unlock()
		}
	})
	return nil
}

// State returns the connection-attempt state for peerID.
func (m *Manager) State(peerID string) ConnState {
	m.mu.Lock()
	entry, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return StateNotStarted
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state
}

// Active returns the authoritative channel for peerID, or nil.
func (m *Manager) Active(peerID string) Channel {
	m.mu.Lock()
	entry, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.active
}

// Stats returns counters of dropped inbound frames.
func (m *Manager) Stats() Stats {
	return m.drops.snapshot()
}

// Install makes ch the authoritative channel for its peer and returns the
// channel it replaced, which the caller still owns.
func (m *Manager) Install(ch Channel) Channel {
	entry := m.peer(ch.PeerID())
	entry.mu.Lock()
	defer entry.mu.Unlock()
	previous := entry.active
	entry.active = ch
	return previous
}

// ClosePeer closes the authoritative channel for peerID.
func (m *Manager) ClosePeer(peerID string) error {
	entry := m.peer(peerID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state = StateClosed
	if entry.active == nil {
		return nil
	}
	err := entry.active.Close()
	entry.active = nil
	return err
}

// Send delivers msg on the peer's authoritative channel.
func (m *Manager) Send(ctx context.Context, peerID string, msg wire.Message) error {
	entry := m.peer(peerID)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.active == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, peerID)
	}
	return SendMessage(ctx, entry.active, msg)
}

// DeliverPending sends a stored outbound message on the peer's authoritative
// channel. It has the shape RetryPending expects.
func (m *Manager) DeliverPending(ctx context.Context, message storage.Message) error {
	return m.Send(ctx, message.PeerID, wire.Text{
		MessageID: message.MessageID,
		Content:   message.Content,
		Timestamp: message.Timestamp.UnixMilli(),
	})
}

// MonitorHealth sends a heartbeat on active every interval. When a heartbeat
// fails it swaps the peer's authoritative channel to fallback under the peer
// lock, closes active and returns fallback. It returns active with ctx's
// error when ctx ends first.
func (m *Manager) MonitorHealth(ctx context.Context, peerID string, active, fallback Channel, interval time.Duration) (Channel, error) {
	if active == nil {
		return nil, errors.New("active channel is required")
	}
	if interval <= 0 {
		interval = m.options.HeartbeatInterval
	}

	entry := m.peer(peerID)
	entry.mu.Lock()
	entry.active = active
	entry.state = StateMonitoring
	entry.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{
		"peer_id": peerID,
		"kind":    active.Kind().String(),
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return active, ctx.Err()
		case <-ticker.C:
		}

		outcome, err := m.heartbeat(ctx, entry, active, fallback, interval)
		switch outcome {
		case beatReplaced:
			log.Debug("Channel replaced; monitor stopping")
			return m.Active(peerID), nil
		case beatFailed:
			if fallback == nil {
				log.WithError(err).Warn("Active channel failed with no fallback")
				return nil, err
			}
			log.WithError(err).Info("Active channel failed; switched to fallback")
			return fallback, nil
		}
	}
}

type beatOutcome int

const (
	beatHealthy beatOutcome = iota
	beatReplaced
	beatFailed
)

// heartbeat checks active under the peer lock and swaps to fallback in the
// same critical section when the heartbeat fails.
func (m *Manager) heartbeat(ctx context.Context, entry *peerEntry, active, fallback Channel, timeout time.Duration) (beatOutcome, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.active != active {
		return beatReplaced, nil
	}

	beatCtx, cancel := context.WithTimeout(ctx, timeout)
	err := SendMessage(beatCtx, active, wire.NewHeartbeat())
	cancel()
	if err == nil {
		entry.state = StateActive
		return beatHealthy, nil
	}
	if ctx.Err() != nil {
		return beatHealthy, nil
	}

	_ = active.Close()
	entry.active = fallback
	entry.state = StateFailedOver
	return beatFailed, err
}

// AutoSendRequest describes one message to deliver to a peer.
type AutoSendRequest struct {
	PeerID        string
	Content       string
	NATInfo       rendezvous.NATInfo
	PeerPublicKey *rsa.PublicKey
	Session       rendezvous.SessionInfo
	Fallback      Channel
}

// SendReport says which channel carried a message.
type SendReport struct {
	MessageID string
	Kind      Kind
	State     ConnState
}

// SendMessageAuto stores the message as pending and sends it on the peer's
// healthy authoritative channel when there is one. Otherwise it picks a
// channel with AttemptConnection, installs it in place of the old one (which
// is closed unless it is the caller's fallback), sends on it and marks the
// message sent. New direct channels are then served and watched by
// MonitorHealth in the background until the manager closes.
func (m *Manager) SendMessageAuto(ctx context.Context, req AutoSendRequest) (SendReport, error) {
	if req.PeerID == "" {
		return SendReport{}, errors.New("peer_id is required")
	}
	if m.ctx.Err() != nil {
		return SendReport{}, ErrManagerClosed
	}

	now := time.Now()
	message := storage.Message{
		MessageID: uuid.NewString(),
		PeerID:    req.PeerID,
		Direction: storage.DirectionOutbound,
		Content:   req.Content,
		Timestamp: now,
		Status:    storage.StatusPending,
	}
	if err := m.options.Messages.InsertMessage(message); err != nil {
		return SendReport{}, err
	}
	report := SendReport{MessageID: message.MessageID}

	if current := m.Active(req.PeerID); current != nil && current.Health() == HealthHealthy {
		report.Kind = current.Kind()
		report.State = StateActive
		m.setState(req.PeerID, StateActive)
		if err := m.DeliverPending(ctx, message); err != nil {
			return report, err
		}
		return report, m.markSent(message.MessageID)
	}

	attempt := m.AttemptConnection(ctx, AttemptRequest{
		PeerID:        req.PeerID,
		NATInfo:       req.NATInfo,
		PeerPublicKey: req.PeerPublicKey,
		Session:       req.Session,
		Fallback:      req.Fallback,
	})
	report.State = attempt.State
	if attempt.Channel == nil {
		return report, fmt.Errorf("%w: %s: %v", ErrNoChannel, req.PeerID, attempt.Reason)
	}
	report.Kind = attempt.Channel.Kind()
	if previous := m.Install(attempt.Channel); previous != nil && previous != attempt.Channel && previous != req.Fallback {
		_ = previous.Close()
	}

	if err := m.DeliverPending(ctx, message); err != nil {
		return report, err
	}
	if err := m.markSent(message.MessageID); err != nil {
		return report, err
	}

	log := m.log.WithFields(logrus.Fields{
		"peer_id":    req.PeerID,
		"message_id": message.MessageID,
		"kind":       report.Kind.String(),
	})
	log.Debug("Message sent")

	if attempt.Channel == req.Fallback {
		return report, nil
	}

	// The direct channel is ours: read its acks and watch it.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.Serve(m.ctx, attempt.Channel); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Debug("Direct channel serve loop ended")
		}
	}()
	if req.Fallback != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.MonitorHealth(m.ctx, req.PeerID, attempt.Channel, req.Fallback, m.options.HeartbeatInterval); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("Health monitor stopped")
			}
		}()
	}

	return report, nil
}

// markSent records a successful send. The ack may already have marked the
// message delivered, which is not an error.
func (m *Manager) markSent(messageID string) error {
	err := m.options.Messages.UpdateStatus(messageID, storage.StatusSent)
	if errors.Is(err, storage.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (m *Manager) peer(peerID string) *peerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.peers[peerID]
	if !ok {
		entry = &peerEntry{}
		m.peers[peerID] = entry
	}
	return entry
}

func (m *Manager) setState(peerID string, state ConnState) {
	if peerID == "" {
		return
	}
	entry := m.peer(peerID)
	entry.mu.Lock()
	entry.state = state
	entry.mu.Unlock()
}

func (m *Manager) newInboundLimiter() *rate.Limiter {
	every := m.options.InboundWindow / time.Duration(m.options.InboundBurst)
	return rate.NewLimiter(rate.Every(every), m.options.InboundBurst)
}
