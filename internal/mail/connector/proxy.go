package connector

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/maildesk-io/maildesk/internal/models"
)

// netDialer is the dial surface the transports need: both the plain Dial
// used by go-pop3 and the context-aware variant used everywhere else.
type netDialer interface {
	Dial(network, address string) (net.Conn, error)
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// dialerFor returns the dialer all connections for this importer must use.
// When a SOCKS proxy is configured every connection routes through it; a
// proxy kind we cannot honor is a fatal configuration error, never a silent
// direct connection.
func dialerFor(imp models.Importer, timeout time.Duration) (netDialer, error) {
	kind := strings.ToLower(strings.TrimSpace(imp.SocksProxyType))
	if kind == "" {
		return &net.Dialer{Timeout: timeout}, nil
	}
	if imp.SocksProxyHost == "" || imp.SocksProxyPort == 0 {
		return nil, fmt.Errorf("%w: importer %d has proxy type %q without host/port", ErrConfiguration, imp.ID, kind)
	}
	switch kind {
	case "socks5":
		addr := net.JoinHostPort(imp.SocksProxyHost, strconv.Itoa(imp.SocksProxyPort))
		d, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("%w: socks5 proxy %s: %v", ErrConfiguration, addr, err)
		}
		return &proxyDialer{d: d}, nil
	case "socks4":
		// golang.org/x/net/proxy has no SOCKS4 support.
		return nil, fmt.Errorf("%w: socks4 proxying is not supported", ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: unknown proxy type %q", ErrConfiguration, kind)
	}
}

type proxyDialer struct {
	d proxy.Dialer
}

func (p *proxyDialer) Dial(network, address string) (net.Conn, error) {
	return p.d.Dial(network, address)
}

func (p *proxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if cd, ok := p.d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return p.d.Dial(network, address)
}
