package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"libra/rendezvous"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_libra._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultLookupTimeout bounds each endpoint lookup.
	DefaultLookupTimeout = 3 * time.Second

	natTypeLAN = "lan"
)

// ErrEndpointNotFound indicates no advertisement for the peer was seen in time.
var ErrEndpointNotFound = errors.New("discovery: endpoint not found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the listener advertisement and endpoint lookup.
type MDNSConfig struct {
	Service       string
	Domain        string
	Version       int
	LookupTimeout time.Duration

	PeerID        string
	Instance      string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = DefaultLookupTimeout
	}
	if out.Instance == "" {
		out.Instance = "libra-" + out.PeerID
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForAdvertise() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer ID is required")
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		return errors.New("listening port must be in 1..65535")
	}
	return nil
}

// Advertiser publishes the direct listener via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the direct listener under the libra service type.
func StartAdvertiser(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"peer_id=" + cfg.PeerID,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// LookupEndpoint browses for peerID's advertisement and returns its LAN
// endpoint as NATInfo.
func LookupEndpoint(ctx context.Context, config MDNSConfig, peerID string) (rendezvous.NATInfo, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(peerID) == "" {
		return rendezvous.NATInfo{}, errors.New("lookup endpoint: peer ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return rendezvous.NATInfo{}, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	lookupCtx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(lookupCtx, cfg.Service, cfg.Domain, entries)
	}()

	for {
		select {
		case <-lookupCtx.Done():
			if err := ctx.Err(); err != nil {
				return rendezvous.NATInfo{}, err
			}
			return rendezvous.NATInfo{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, peerID)
		case err := <-browseErr:
			if err != nil {
				return rendezvous.NATInfo{}, fmt.Errorf("browse mDNS: %w", err)
			}
			browseErr = nil
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if info, match := endpointFromEntry(entry, peerID); match {
				return info, nil
			}
		}
	}
}

func endpointFromEntry(entry *zeroconf.ServiceEntry, peerID string) (rendezvous.NATInfo, bool) {
	if entry == nil || entry.Port <= 0 {
		return rendezvous.NATInfo{}, false
	}
	txt := txtToMap(entry.Text)
	if txt["peer_id"] != peerID {
		return rendezvous.NATInfo{}, false
	}
	addresses := entryAddresses(entry)
	if len(addresses) == 0 {
		return rendezvous.NATInfo{}, false
	}
	return rendezvous.NATInfo{
		ExternalIP:   addresses[0],
		ExternalPort: entry.Port,
		NATType:      natTypeLAN,
	}, true
}

// entryAddresses lists IPv4 addresses first, then IPv6, each sorted and unique.
func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	collect := func(ips []net.IP, seen map[string]struct{}) []string {
		var out []string
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			out = append(out, raw)
		}
		sort.Strings(out)
		return out
	}

	seen := make(map[string]struct{})
	return append(collect(entry.AddrIPv4, seen), collect(entry.AddrIPv6, seen)...)
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
