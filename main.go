package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"libra/config"
	"libra/crypto"
	"libra/discovery"
	"libra/network"
	"libra/storage"
	"libra/tor"
)

const (
	envKeyPassphrase   = "LIBRA_KEY_PASSPHRASE"
	torBootstrapBudget = 2 * time.Minute
	torDialBudget      = time.Minute
	relayScope         = "relay"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("libra exited")
	}
}

func run() error {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	level, err := cfg.ParsedLogLevel()
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "main")

	privateKey, publicKey, err := crypto.EnsureKeyPair(cfg.PrivateKeyPath, cfg.PublicKeyPath, []byte(os.Getenv(envKeyPassphrase)))
	if err != nil {
		return fmt.Errorf("prepare keypair: %w", err)
	}
	fingerprint, err := crypto.Fingerprint(publicKey)
	if err != nil {
		return err
	}
	peerID, err := crypto.PeerID(publicKey)
	if err != nil {
		return err
	}
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Database close failed")
		}
	}()

	fmt.Printf("Peer ID:         %s\n", peerID)
	fmt.Printf("Peer Name:       %s\n", cfg.PeerName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := network.NewManager(network.Options{
		PrivateKey:     privateKey,
		Messages:       store,
		Files:          store,
		Peers:          store,
		ConnectTimeout: cfg.ConnectTimeout(),
		ChunkSize:      cfg.ChunkSize,
		MaxRetries:     cfg.MaxRetries,
		FilesDir:       cfg.FilesDir,
		MaxFileSize:    cfg.MaxFileSize(),
		OnMessage: func(message storage.Message) {
			log.WithFields(logrus.Fields{
				"peer_id":    message.PeerID,
				"message_id": message.MessageID,
			}).Info("Message received")
		},
		OnFile: func(meta storage.FileMetadata) {
			log.WithFields(logrus.Fields{
				"peer_id":   meta.PeerID,
				"file_name": meta.FileName,
				"path":      meta.FilePath,
			}).Info("File received")
		},
	})
	if err != nil {
		return fmt.Errorf("create peer manager: %w", err)
	}
	defer manager.Close()

	listenAddr := ":0"
	if cfg.PortMode == config.PortModeFixed {
		listenAddr = net.JoinHostPort("", strconv.Itoa(cfg.ListeningPort))
	}
	direct, err := manager.Listen(listenAddr, network.KindDirect)
	if err != nil {
		return err
	}
	defer direct.Close()
	fmt.Printf("Listening Port:  %d\n", direct.Port())
	go acceptChannels(ctx, manager, direct, log)

	beacons, err := discovery.NewBeaconService(discovery.BeaconConfig{
		PrivateKey: privateKey,
		Port:       cfg.DiscoveryPort,
		Interval:   cfg.DiscoveryInterval(),
		Targets:    cfg.DiscoveryTargets,
		Store:      store,
	})
	if err != nil {
		return fmt.Errorf("create beacon service: %w", err)
	}
	if err := beacons.Start(); err != nil {
		log.WithError(err).Warn("Beacon discovery unavailable")
	} else {
		defer beacons.Stop()
		fmt.Println("Discovery:       running")
	}

	if cfg.MDNSEnabled {
		advertiser, err := discovery.StartAdvertiser(discovery.MDNSConfig{
			PeerID:        peerID,
			Instance:      cfg.PeerName,
			ListeningPort: direct.Port(),
		})
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer advertiser.Stop()
		}
	}

	var gateway *tor.Gateway
	if cfg.TorEnabled {
		g, relayed, err := startRelay(ctx, cfg, dataDir, manager)
		if err != nil {
			log.WithError(err).Warn("Relayed transport unavailable")
		} else {
			gateway = g
			defer func() {
				_ = relayed.Close()
				if err := g.Stop(); err != nil {
					log.WithError(err).Warn("Tor shutdown failed")
				}
			}()
			go acceptChannels(ctx, manager, relayed, log)
		}
	}

	go maintain(ctx, cfg, manager, store, gateway, log)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	return nil
}

// startRelay launches Tor and publishes the relayed listener as an onion service.
func startRelay(ctx context.Context, cfg *config.PeerConfig, dataDir string, manager *network.Manager) (*tor.Gateway, *network.Listener, error) {
	gateway := tor.NewGateway(tor.Config{
		ExecutablePath: cfg.TorPath,
		DataDir:        tor.DefaultDataDir(dataDir),
		ControlPort:    cfg.TorControlPort,
		SOCKSPort:      cfg.TorSOCKSPort,
	})
	if err := gateway.Start(ctx); err != nil {
		return nil, nil, err
	}
	if !gateway.WaitForBootstrap(ctx, torBootstrapBudget) {
		_ = gateway.Stop()
		return nil, nil, tor.ErrTorBootstrapTimeout
	}

	relayed, err := manager.Listen(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RelayPort)), network.KindRelayed)
	if err != nil {
		_ = gateway.Stop()
		return nil, nil, err
	}
	service, err := gateway.CreateEphemeralService(cfg.RelayPort, relayScope)
	if err != nil {
		_ = relayed.Close()
		_ = gateway.Stop()
		return nil, nil, err
	}
	fmt.Printf("Onion Address:   %s:%d\n", service.Address, service.Port)
	return gateway, relayed, nil
}

// acceptChannels installs inbound channels and serves them. A relayed
// channel never displaces a live direct one.
func acceptChannels(ctx context.Context, manager *network.Manager, listener *network.Listener, log *logrus.Entry) {
	go func() {
		for err := range listener.Errors() {
			log.WithError(err).Debug("Inbound connection rejected")
		}
	}()

	for ch := range listener.Incoming() {
		current := manager.Active(ch.PeerID())
		if ch.Kind() == network.KindDirect || current == nil || current.Health() != network.HealthHealthy {
			if previous := manager.Install(ch); previous != nil && previous != network.Channel(ch) {
				_ = previous.Close()
			}
		}
		go serveChannel(ctx, manager, ch, log)
	}
}

func serveChannel(ctx context.Context, manager *network.Manager, ch network.Channel, log *logrus.Entry) {
	if err := manager.Serve(ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).WithField("peer_id", ch.PeerID()).Warn("Channel closed with error")
	}
}

// dialRelayed opens a relayed channel to every peer that has pending
// messages, no healthy channel and a known onion address.
func dialRelayed(ctx context.Context, cfg *config.PeerConfig, manager *network.Manager, store *storage.Store, gateway *tor.Gateway, log *logrus.Entry) {
	peers, err := store.PendingPeers()
	if err != nil {
		log.WithError(err).Warn("Listing peers with pending messages failed")
		return
	}

	for _, peerID := range peers {
		if ch := manager.Active(peerID); ch != nil && ch.Health() == network.HealthHealthy {
			continue
		}
		peer, err := store.GetPeer(peerID)
		if err != nil || peer.OnionAddress == "" || peer.Blocked {
			continue
		}
		key, err := crypto.ParsePublicKeyPEM([]byte(peer.PublicKey))
		if err != nil {
			log.WithError(err).WithField("peer_id", peerID).Warn("Stored peer key is unusable")
			continue
		}

		address := net.JoinHostPort(peer.OnionAddress, strconv.Itoa(cfg.RelayPort))
		dialCtx, cancel := context.WithTimeout(ctx, torDialBudget)
		ch, err := manager.OpenRelayed(dialCtx, gateway.Dial, address, key)
		cancel()
		if err != nil {
			log.WithError(err).WithField("peer_id", peerID).Debug("Relayed dial failed")
			continue
		}
		if previous := manager.Install(ch); previous != nil {
			_ = previous.Close()
		}
		go serveChannel(ctx, manager, ch, log)
	}
}

// deliverIfConnected gives up on a message at once when its peer has no channel.
func deliverIfConnected(manager *network.Manager) network.SendFunc {
	return func(ctx context.Context, message storage.Message) error {
		err := manager.DeliverPending(ctx, message)
		if errors.Is(err, network.ErrNoChannel) {
			return backoff.Permanent(err)
		}
		return err
	}
}

// maintain periodically dials relayed peers, retries pending messages and
// prunes old seen IDs.
func maintain(ctx context.Context, cfg *config.PeerConfig, manager *network.Manager, store *storage.Store, gateway *tor.Gateway, log *logrus.Entry) {
	ticker := time.NewTicker(cfg.RetrySweep())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if gateway != nil {
			dialRelayed(ctx, cfg, manager, store, gateway, log)
		}
		failures, err := manager.RetryAllPeers(ctx, deliverIfConnected(manager), cfg.MaxRetries)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("Retry sweep failed")
		}
		for peerID, peerFailures := range failures {
			log.WithFields(logrus.Fields{
				"peer_id": peerID,
				"pending": len(peerFailures),
			}).Debug("Messages still pending")
		}

		pruned, err := store.PruneSeen(time.Now().Add(-cfg.SeenIDRetention()))
		if err != nil {
			log.WithError(err).Warn("Pruning seen message IDs failed")
		} else if pruned > 0 {
			log.WithField("pruned", pruned).Debug("Pruned seen message IDs")
		}
	}
}
