// Package proxy dispatches an outbound dial through zero or more
// traversal hops (HTTP CONNECT or SOCKS) before handing back a plain
// net.Conn ready to carry the next layer up.
package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/securesocketfunneling/ssf-sub003/proxy/httpconnect"
	"github.com/securesocketfunneling/ssf-sub003/proxy/socks"
)

// Kind selects which traversal protocol a Hop speaks.
type Kind int

const (
	KindHTTPConnect Kind = iota
	KindSocks4
	KindSocks4a
	KindSocks5
)

// Hop describes one proxy server to traverse before reaching the next hop
// (or the final target).
type Hop struct {
	Kind     Kind
	Host     string
	Port     uint16
	Username string
	Password string
}

// Context is the ordered chain of proxy hops to traverse before reaching
// TargetHost:TargetPort, the live counterpart of a resolved "proxy"
// LayerParameters entry.
type Context struct {
	Hops       []Hop
	TargetHost string
	TargetPort uint16
}

// Enabled reports whether any hop is configured.
func (c *Context) Enabled() bool { return c != nil && len(c.Hops) > 0 }

var netDialer net.Dialer

// Dial connects through every configured hop in order, running each hop's
// traversal handshake so the next hop (or, for the last hop, the real
// target) becomes reachable, and returns the resulting net.Conn.
func Dial(ctx context.Context, pctx *Context) (net.Conn, error) {
	if !pctx.Enabled() {
		return netDialer.DialContext(ctx, "tcp", net.JoinHostPort(pctx.TargetHost, portStr(pctx.TargetPort)))
	}

	first := pctx.Hops[0]
	conn, err := netDialer.DialContext(ctx, "tcp", net.JoinHostPort(first.Host, portStr(first.Port)))
	if err != nil {
		return nil, fmt.Errorf("proxy: dial first hop %s:%d: %w", first.Host, first.Port, err)
	}

	for i, hop := range pctx.Hops {
		nextHost, nextPort := pctx.TargetHost, pctx.TargetPort
		if i+1 < len(pctx.Hops) {
			nextHost, nextPort = pctx.Hops[i+1].Host, pctx.Hops[i+1].Port
		}
		// Re-opening a closed proxy connection is only possible on the
		// first hop; deeper hops are reached through the chain itself.
		var redial func() (net.Conn, error)
		if i == 0 {
			first := pctx.Hops[0]
			redial = func() (net.Conn, error) {
				return netDialer.DialContext(ctx, "tcp", net.JoinHostPort(first.Host, portStr(first.Port)))
			}
		}
		next, err := traverse(conn, hop, nextHost, nextPort, redial)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy: hop %d (%s:%d): %w", i, hop.Host, hop.Port, err)
		}
		conn = next
	}
	return conn, nil
}

func traverse(conn net.Conn, hop Hop, nextHost string, nextPort uint16, redial func() (net.Conn, error)) (net.Conn, error) {
	switch hop.Kind {
	case KindHTTPConnect:
		cfg := httpconnect.Config{Redial: redial}
		if hop.Username != "" {
			cfg.Creds = &httpconnect.Credentials{Username: hop.Username, Password: hop.Password}
		}
		return httpconnect.Connect(conn, net.JoinHostPort(nextHost, portStr(nextPort)), cfg)
	case KindSocks4:
		return conn, socks.Connect(conn, socks.Version4, nextHost, nextPort, socks.Credentials{UserID: hop.Username})
	case KindSocks4a:
		return conn, socks.Connect(conn, socks.Version4a, nextHost, nextPort, socks.Credentials{UserID: hop.Username})
	case KindSocks5:
		return conn, socks.Connect(conn, socks.Version5, nextHost, nextPort, socks.Credentials{})
	default:
		return nil, fmt.Errorf("proxy: unknown hop kind %v", hop.Kind)
	}
}

func portStr(p uint16) string {
	return fmt.Sprintf("%d", p)
}
