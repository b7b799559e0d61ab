package discovery

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"libra/crypto"
)

const (
	// DefaultBeaconPort is the UDP port beacons are sent to and received on.
	DefaultBeaconPort = 37020
	// DefaultBeaconInterval is the time between outgoing beacons.
	DefaultBeaconInterval = 5 * time.Second
	// DefaultMaxBeaconAge rejects beacons whose timestamp is older than this.
	DefaultMaxBeaconAge = 10 * time.Minute

	receiveTimeout = time.Second
	maxDatagram    = 65536
)

// ErrServiceStopped is returned when starting a stopped beacon service.
var ErrServiceStopped = errors.New("discovery: service stopped")

// PeerStore receives peers learned from beacons.
type PeerStore interface {
	AddPeer(peerID, nickname, publicKeyPEM, fingerprint string) error
	UpdatePeerStatus(peerID string, lastSeen time.Time) error
}

// State is the beacon service lifecycle state.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BeaconConfig controls the UDP beacon service.
type BeaconConfig struct {
	PrivateKey *rsa.PrivateKey
	Port       int
	Interval   time.Duration
	// Targets, when set, replaces broadcast with unicast to each host:port.
	Targets []string
	// MaxAge drops beacons older than this. Negative disables the check.
	MaxAge time.Duration
	Store  PeerStore
	Logger *logrus.Entry

	listenAddr string
	now        func() time.Time
}

func (c BeaconConfig) withDefaults() BeaconConfig {
	out := c
	if out.Port == 0 {
		out.Port = DefaultBeaconPort
	}
	if out.Interval <= 0 {
		out.Interval = DefaultBeaconInterval
	}
	if out.MaxAge == 0 {
		out.MaxAge = DefaultMaxBeaconAge
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "discovery")
	}
	if out.listenAddr == "" {
		out.listenAddr = net.JoinHostPort("", strconv.Itoa(out.Port))
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c BeaconConfig) validate() error {
	if c.PrivateKey == nil {
		return errors.New("private key is required")
	}
	if c.Store == nil {
		return errors.New("peer store is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid beacon port %d", c.Port)
	}
	return nil
}

// Stats are cumulative beacon counters.
type Stats struct {
	Sent     uint64
	Accepted uint64
	Dropped  map[DropReason]uint64
}

// BeaconService announces this peer and records peers it hears from.
type BeaconService struct {
	cfg    BeaconConfig
	log    *logrus.Entry
	selfID string

	mu    sync.Mutex
	state State
	conn  *net.UDPConn

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sent     atomic.Uint64
	accepted atomic.Uint64
	dropped  [dropReasonCount]atomic.Uint64
}

// NewBeaconService validates cfg and returns an idle service.
func NewBeaconService(config BeaconConfig) (*BeaconService, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	selfID, err := crypto.PeerID(&cfg.PrivateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &BeaconService{
		cfg:    cfg,
		log:    cfg.Logger.WithField("peer_id", selfID),
		selfID: selfID,
		stop:   make(chan struct{}),
	}, nil
}

// Start binds the UDP socket and launches the send and receive loops.
func (s *BeaconService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return nil
	case StateStopped:
		return ErrServiceStopped
	}

	addr, err := net.ResolveUDPAddr("udp4", s.cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve beacon address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("listen for beacons: %w", err)
	}
	s.conn = conn
	s.state = StateActive

	s.wg.Add(2)
	go s.txLoop()
	go s.rxLoop()

	s.log.WithFields(logrus.Fields{
		"local_addr": conn.LocalAddr().String(),
		"interval":   s.cfg.Interval.String(),
		"targets":    len(s.cfg.Targets),
	}).Info("Beacon discovery started")
	return nil
}

// Stop ends both loops and closes the socket. The service cannot be restarted.
func (s *BeaconService) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopped
		conn := s.conn
		s.mu.Unlock()

		close(s.stop)
		if conn != nil {
			_ = conn.Close()
		}
		s.wg.Wait()
		s.log.Info("Beacon discovery stopped")
	})
}

// State returns the lifecycle state.
func (s *BeaconService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (s *BeaconService) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stats returns a snapshot of the counters.
func (s *BeaconService) Stats() Stats {
	out := Stats{
		Sent:     s.sent.Load(),
		Accepted: s.accepted.Load(),
		Dropped:  make(map[DropReason]uint64),
	}
	for reason := DropMalformed; reason < dropReasonCount; reason++ {
		if n := s.dropped[reason].Load(); n > 0 {
			out.Dropped[reason] = n
		}
	}
	return out
}

func (s *BeaconService) destinations() ([]*net.UDPAddr, error) {
	if len(s.cfg.Targets) == 0 {
		return []*net.UDPAddr{{IP: net.IPv4bcast, Port: s.cfg.Port}}, nil
	}
	out := make([]*net.UDPAddr, 0, len(s.cfg.Targets))
	for _, target := range s.cfg.Targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			return nil, fmt.Errorf("resolve beacon target %q: %w", target, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *BeaconService) txLoop() {
	defer s.wg.Done()

	dests, err := s.destinations()
	if err != nil {
		s.log.WithError(err).Error("Beacon transmit disabled")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.sendBeacon(dests)
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *BeaconService) sendBeacon(dests []*net.UDPAddr) {
	packet, err := BuildBeacon(s.cfg.PrivateKey, s.cfg.now())
	if err != nil {
		s.log.WithError(err).Warn("Failed to build beacon")
		return
	}
	for _, dest := range dests {
		if _, err := s.conn.WriteToUDP(packet, dest); err != nil {
			s.log.WithFields(logrus.Fields{
				"dest":  dest.String(),
				"error": err.Error(),
			}).Debug("Beacon send failed")
			continue
		}
		s.sent.Add(1)
	}
}

func (s *BeaconService) rxLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		s.handlePacket(buf[:n], from)
	}
}

func (s *BeaconService) handlePacket(data []byte, from *net.UDPAddr) {
	beacon, reason := ParseBeacon(data)
	if reason == DropNone {
		reason = s.admit(beacon)
	}
	if reason != DropNone {
		s.dropped[reason].Add(1)
		s.log.WithFields(logrus.Fields{
			"from":   from.String(),
			"reason": reason.String(),
		}).Debug("Beacon dropped")
		return
	}

	fingerprint := crypto.FingerprintPEM(beacon.PublicKeyPEM)
	if err := s.cfg.Store.AddPeer(beacon.PeerID, "", string(beacon.PublicKeyPEM), fingerprint); err != nil {
		s.log.WithError(err).WithField("remote_peer_id", beacon.PeerID).Warn("Failed to record discovered peer")
		return
	}
	if err := s.cfg.Store.UpdatePeerStatus(beacon.PeerID, beacon.Timestamp); err != nil {
		s.log.WithError(err).WithField("remote_peer_id", beacon.PeerID).Warn("Failed to update peer last seen")
		return
	}
	s.accepted.Add(1)
}

func (s *BeaconService) admit(beacon Beacon) DropReason {
	if beacon.PeerID == s.selfID {
		return DropSelf
	}
	if s.cfg.MaxAge > 0 && s.cfg.now().Sub(beacon.Timestamp) > s.cfg.MaxAge {
		return DropStale
	}
	return DropNone
}
