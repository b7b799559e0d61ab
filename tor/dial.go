package tor

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Dial opens a TCP stream to address (typically host.onion:port) through the
// Tor SOCKS5 port.
func (g *Gateway) Dial(ctx context.Context, address string) (net.Conn, error) {
	if g.State() != StateRunning {
		return nil, fmt.Errorf("dial %s: %w", address, ErrTorProcessUnavailable)
	}

	dialer, err := proxy.SOCKS5("tcp", g.SOCKSAddr(), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.Dial("tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s through tor: %w", address, err)
	}

	g.log.WithFields(logrus.Fields{
		"address":    address,
		"local_addr": conn.LocalAddr().String(),
	}).Debug("Tor stream established")
	return conn, nil
}
