// Package tor manages a local Tor process, its control connection and the
// ephemeral onion services used as the relayed transport.
package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cretz/bine/control"
	"github.com/sirupsen/logrus"
)

const (
	DefaultExecutablePath = "tor"
	DefaultControlPort    = 9051
	DefaultSOCKSPort      = 9050
	DefaultStartAttempts  = 30
	DefaultStartInterval  = 500 * time.Millisecond
	DefaultStopGrace      = 5 * time.Second
	DefaultControlTimeout = 5 * time.Second
	bootstrapPollInterval = 500 * time.Millisecond
)

var (
	// ErrTorProcessUnavailable indicates Tor could not be started or reached.
	ErrTorProcessUnavailable = errors.New("tor: process unavailable")
	// ErrTorBootstrapTimeout indicates Tor did not reach 100% bootstrap in time.
	ErrTorBootstrapTimeout = errors.New("tor: bootstrap timed out")
)

// State is the gateway lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Controller is the subset of the Tor control protocol the gateway uses.
// *control.Conn satisfies it.
type Controller interface {
	Authenticate(password string) error
	GetInfo(keys ...string) ([]*control.KeyVal, error)
	AddOnion(req *control.AddOnionRequest) (*control.AddOnionResponse, error)
	DelOnion(serviceID string) error
	Signal(signal string) error
	Close() error
}

// OnionService is a live ephemeral onion service.
type OnionService struct {
	ScopeKey   string
	ServiceID  string
	Address    string
	Port       int
	PrivateKey string
}

// Config controls how the gateway launches and reaches Tor.
type Config struct {
	// ExecutablePath is the tor binary. Empty attaches to an already running Tor.
	ExecutablePath  string
	DataDir         string
	ControlPort     int
	SOCKSPort       int
	ControlPassword string
	StartAttempts   int
	StartInterval   time.Duration
	StopGrace       time.Duration
	// ControlTimeout bounds each control-port command.
	ControlTimeout time.Duration
	Logger         *logrus.Entry
}

func (c Config) withDefaults() Config {
	if c.ControlPort == 0 {
		c.ControlPort = DefaultControlPort
	}
	if c.SOCKSPort == 0 {
		c.SOCKSPort = DefaultSOCKSPort
	}
	if c.StartAttempts <= 0 {
		c.StartAttempts = DefaultStartAttempts
	}
	if c.StartInterval <= 0 {
		c.StartInterval = DefaultStartInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = DefaultControlTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "tor")
	}
	return c
}

// Gateway owns one Tor process and its control connection.
type Gateway struct {
	cfg Config
	log *logrus.Entry

	launchFn      func(cfg Config) (process, error)
	dialControlFn func(addr string) (Controller, error)

	mu       sync.Mutex
	state    State
	proc     process
	ctrl     Controller
	services map[string]OnionService
	owned    []OnionService
}

// NewGateway returns a stopped gateway.
func NewGateway(cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:      cfg,
		log:      cfg.Logger,
		launchFn: launchTor,
		dialControlFn: func(addr string) (Controller, error) {
			return dialControl(addr, cfg.ControlTimeout)
		},
		services: make(map[string]OnionService),
	}
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SOCKSAddr returns the local SOCKS5 endpoint.
func (g *Gateway) SOCKSAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(g.cfg.SOCKSPort))
}

func (g *Gateway) controlAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(g.cfg.ControlPort))
}

// Start launches Tor and authenticates on its control port.
//
// The control port is polled up to StartAttempts times. On failure the
// process is killed and ErrTorProcessUnavailable is returned. Starting a
// running gateway is a no-op.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateRunning {
		return nil
	}
	g.state = StateStarting

	var proc process
	if g.cfg.ExecutablePath != "" {
		p, err := g.launchFn(g.cfg)
		if err != nil {
			g.state = StateStopped
			return fmt.Errorf("%w: launch %s: %v", ErrTorProcessUnavailable, g.cfg.ExecutablePath, err)
		}
		proc = p
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.StartInterval), uint64(g.cfg.StartAttempts-1)),
		ctx,
	)

	attempt := 0
	var ctrl Controller
	err := backoff.Retry(func() error {
		attempt++
		if proc != nil && proc.Exited() {
			return backoff.Permanent(errors.New("tor exited during startup"))
		}
		conn, err := g.dialControlFn(g.controlAddr())
		if err != nil {
			g.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err.Error(),
			}).Debug("Control port not ready")
			return err
		}
		if err := conn.Authenticate(g.cfg.ControlPassword); err != nil {
			_ = conn.Close()
			return fmt.Errorf("authenticate: %w", err)
		}
		ctrl = conn
		return nil
	}, policy)
	if err != nil {
		if proc != nil {
			_ = proc.Kill()
		}
		g.state = StateStopped
		return fmt.Errorf("%w: control port %s after %d attempts: %v", ErrTorProcessUnavailable, g.controlAddr(), attempt, err)
	}

	g.proc = proc
	g.ctrl = ctrl
	g.state = StateRunning
	g.log.WithFields(logrus.Fields{
		"control_port": g.cfg.ControlPort,
		"socks_port":   g.cfg.SOCKSPort,
		"attempts":     attempt,
	}).Info("Tor control connection established")
	return nil
}

// Bootstrap polls bootstrap status until Tor reports 100% or timeout elapses.
func (g *Gateway) Bootstrap(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(bootstrapPollInterval)
	defer ticker.Stop()

	last := -1
	for {
		progress, err := g.bootstrapProgress()
		if err != nil {
			return err
		}
		if progress != last {
			g.log.WithField("progress", progress).Debug("Tor bootstrap progress")
			last = progress
		}
		if progress >= 100 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last progress %d%%", ErrTorBootstrapTimeout, last)
		case <-ticker.C:
		}
	}
}

// WaitForBootstrap reports whether Tor finished bootstrapping within timeout.
func (g *Gateway) WaitForBootstrap(ctx context.Context, timeout time.Duration) bool {
	if err := g.Bootstrap(ctx, timeout); err != nil {
		g.log.WithError(err).Warn("Tor bootstrap incomplete")
		return false
	}
	return true
}

func (g *Gateway) bootstrapProgress() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateRunning {
		return 0, ErrTorProcessUnavailable
	}
	values, err := g.ctrl.GetInfo("status/bootstrap-phase")
	if err != nil {
		// Transient control errors count as no progress.
		return 0, nil
	}
	for _, kv := range values {
		if progress, ok := parseProgress(kv.Val); ok {
			return progress, nil
		}
	}
	return 0, nil
}

func parseProgress(phase string) (int, bool) {
	for _, field := range strings.Fields(phase) {
		value, found := strings.CutPrefix(field, "PROGRESS=")
		if !found {
			continue
		}
		progress, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return progress, true
	}
	return 0, false
}

// CreateEphemeralService publishes an ED25519-V3 onion service forwarding
// virtual port to 127.0.0.1:port.
//
// With a non-empty scopeKey the service is cached: later calls with the same
// key return the same record until Rotate or Stop.
func (g *Gateway) CreateEphemeralService(port int, scopeKey string) (OnionService, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if scopeKey != "" {
		if svc, ok := g.services[scopeKey]; ok {
			return svc, nil
		}
	}
	svc, err := g.addOnionLocked(port, scopeKey)
	if err != nil {
		return OnionService{}, err
	}
	if scopeKey != "" {
		g.services[scopeKey] = svc
	}
	return svc, nil
}

// Rotate replaces the service cached for scopeKey with a fresh one. The old
// service stays published so existing circuits keep working; it is removed
// at Stop.
func (g *Gateway) Rotate(port int, scopeKey string) (OnionService, error) {
	if scopeKey == "" {
		return OnionService{}, errors.New("rotate onion service: scope key is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	svc, err := g.addOnionLocked(port, scopeKey)
	if err != nil {
		return OnionService{}, err
	}
	old, hadOld := g.services[scopeKey]
	g.services[scopeKey] = svc

	fields := logrus.Fields{"scope": scopeKey, "service_id": svc.ServiceID}
	if hadOld {
		fields["retired_service_id"] = old.ServiceID
	}
	g.log.WithFields(fields).Info("Rotated onion service")
	return svc, nil
}

func (g *Gateway) addOnionLocked(port int, scopeKey string) (OnionService, error) {
	if g.state != StateRunning {
		return OnionService{}, fmt.Errorf("create onion service: %w", ErrTorProcessUnavailable)
	}
	if port <= 0 || port > 65535 {
		return OnionService{}, fmt.Errorf("create onion service: invalid port %d", port)
	}

	portStr := strconv.Itoa(port)
	resp, err := g.ctrl.AddOnion(&control.AddOnionRequest{
		Key:   control.GenKey(control.KeyAlgoED25519V3),
		Ports: []*control.KeyVal{{Key: portStr, Val: net.JoinHostPort("127.0.0.1", portStr)}},
	})
	if err != nil {
		return OnionService{}, fmt.Errorf("add onion service: %w", err)
	}

	svc := OnionService{
		ScopeKey:  scopeKey,
		ServiceID: resp.ServiceID,
		Address:   resp.ServiceID + ".onion",
		Port:      port,
	}
	if resp.Key != nil {
		svc.PrivateKey = resp.Key.Blob()
	}
	g.owned = append(g.owned, svc)
	return svc, nil
}

// Services returns the current record for each scope key.
func (g *Gateway) Services() map[string]OnionService {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]OnionService, len(g.services))
	for k, v := range g.services {
		out[k] = v
	}
	return out
}

// Stop removes every published service, asks Tor to shut down and kills it
// if it has not exited within StopGrace. Stop is idempotent.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateStopped {
		return nil
	}

	if g.ctrl != nil {
		for _, svc := range g.owned {
			if err := g.ctrl.DelOnion(svc.ServiceID); err != nil {
				g.log.WithFields(logrus.Fields{
					"service_id": svc.ServiceID,
					"error":      err.Error(),
				}).Debug("Failed to remove onion service")
			}
		}
		if g.proc != nil {
			_ = g.ctrl.Signal("SHUTDOWN")
		}
		_ = g.ctrl.Close()
	}

	if g.proc != nil {
		select {
		case <-g.proc.Done():
		case <-time.After(g.cfg.StopGrace):
			g.log.Warn("Tor did not exit within grace period, killing")
			_ = g.proc.Kill()
			<-g.proc.Done()
		}
	}

	g.proc = nil
	g.ctrl = nil
	g.owned = nil
	g.services = make(map[string]OnionService)
	g.state = StateStopped
	g.log.Info("Tor gateway stopped")
	return nil
}

func dialControl(addr string, timeout time.Duration) (Controller, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &controlConn{
		Conn:    control.NewConn(textproto.NewConn(conn)),
		raw:     conn,
		timeout: timeout,
	}, nil
}

// controlConn applies a socket deadline to every control command.
type controlConn struct {
	*control.Conn
	raw     net.Conn
	timeout time.Duration
}

func (c *controlConn) arm() {
	_ = c.raw.SetDeadline(time.Now().Add(c.timeout))
}

func (c *controlConn) Authenticate(password string) error {
	c.arm()
	return c.Conn.Authenticate(password)
}

func (c *controlConn) GetInfo(keys ...string) ([]*control.KeyVal, error) {
	c.arm()
	return c.Conn.GetInfo(keys...)
}

func (c *controlConn) AddOnion(req *control.AddOnionRequest) (*control.AddOnionResponse, error) {
	c.arm()
	return c.Conn.AddOnion(req)
}

func (c *controlConn) DelOnion(serviceID string) error {
	c.arm()
	return c.Conn.DelOnion(serviceID)
}

func (c *controlConn) Signal(signal string) error {
	c.arm()
	return c.Conn.Signal(signal)
}

// DefaultDataDir returns the Tor data directory under the application data dir.
func DefaultDataDir(appDataDir string) string {
	return filepath.Join(appDataDir, "tor")
}
