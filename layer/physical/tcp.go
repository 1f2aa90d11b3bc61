// Package physical implements the bottom-most layer of the protocol
// stack: plain TCP and UDP sockets, with an optional proxy traversal
// chain consulted before a client-side Dial.
package physical

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/layer"
	"github.com/securesocketfunneling/ssf-sub003/proxy"
)

// TCPEndpoint is a resolved host:port physical-layer address.
type TCPEndpoint struct {
	Addr string
	Port uint16
}

func (e *TCPEndpoint) String() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(int(e.Port)))
}

// ResolveTCPEndpoint builds a TCPEndpoint from a LayerParameters map
// carrying "addr" and "port" keys, the make_endpoint constructor for this
// layer.
func ResolveTCPEndpoint(params *layer.LayerParameters) (*TCPEndpoint, error) {
	addr := params.GetDefault("addr", "")
	portStr := params.GetDefault("port", "")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, sserr.New(sserr.KindBadAddress, fmt.Sprintf("physical: invalid port %q", portStr))
	}
	return &TCPEndpoint{Addr: addr, Port: uint16(port)}, nil
}

// socket adapts a conn.Conn to layer.Socket by attaching the local/remote
// TCPEndpoint pair alongside the byte-counted, half-closable stream.
type socket struct {
	conn.Conn
	local, remote *TCPEndpoint
}

func (s *socket) LocalEndpoint() layer.Endpoint  { return s.local }
func (s *socket) RemoteEndpoint() layer.Endpoint { return s.remote }

func wrapNetConn(logger sslog.Logger, nc net.Conn) (layer.Socket, error) {
	sc, err := conn.NewSocketConn(logger, nc)
	if err != nil {
		return nil, err
	}
	local := endpointFromAddr(nc.LocalAddr())
	remote := endpointFromAddr(nc.RemoteAddr())
	return &socket{Conn: sc, local: local, remote: remote}, nil
}

func endpointFromAddr(addr net.Addr) *TCPEndpoint {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return &TCPEndpoint{Addr: addr.String()}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return &TCPEndpoint{Addr: host, Port: uint16(port)}
}

// TCPAcceptor listens for and accepts TCP connections at Endpoint, the
// server side of this layer.
type TCPAcceptor struct {
	logger   sslog.Logger
	endpoint *TCPEndpoint
	listener net.Listener
}

// NewTCPAcceptor starts listening on endpoint.
func NewTCPAcceptor(logger sslog.Logger, endpoint *TCPEndpoint) (*TCPAcceptor, error) {
	ln, err := net.Listen("tcp", endpoint.String())
	if err != nil {
		return nil, sserr.Wrap(sserr.KindAddressInUse, fmt.Errorf("physical: tcp listen %s: %w", endpoint, err))
	}
	return &TCPAcceptor{logger: logger.Fork("TCPAcceptor(%s)", endpoint), endpoint: endpoint, listener: ln}, nil
}

// Accept blocks until a new connection arrives or the acceptor is closed.
func (a *TCPAcceptor) Accept(ctx context.Context) (layer.Socket, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := a.listener.Accept()
		ch <- result{nc, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("physical: accept failed: %w", r.err)
		}
		return wrapNetConn(a.logger, r.nc)
	}
}

// Close stops the acceptor; in-flight Accept calls return an error.
func (a *TCPAcceptor) Close() error {
	return a.listener.Close()
}

// Endpoint returns the acceptor's actual bound address, resolving any
// ephemeral (port 0) request to the port the OS assigned.
func (a *TCPAcceptor) Endpoint() *TCPEndpoint {
	return endpointFromAddr(a.listener.Addr())
}

// TCPDialer connects to Endpoint on demand, the client side of this layer.
// When Proxy is set the connection is routed through the configured
// traversal chain first.
type TCPDialer struct {
	logger   sslog.Logger
	endpoint *TCPEndpoint
	proxy    *proxy.Context
}

// NewTCPDialer builds a dialer for endpoint. proxyCtx may be nil.
func NewTCPDialer(logger sslog.Logger, endpoint *TCPEndpoint, proxyCtx *proxy.Context) *TCPDialer {
	return &TCPDialer{logger: logger.Fork("TCPDialer(%s)", endpoint), endpoint: endpoint, proxy: proxyCtx}
}

// Dial connects to the endpoint, traversing any configured proxy chain.
func (d *TCPDialer) Dial(ctx context.Context) (layer.Socket, error) {
	if d.proxy.Enabled() {
		pctx := *d.proxy
		pctx.TargetHost = d.endpoint.Addr
		pctx.TargetPort = d.endpoint.Port
		nc, err := proxy.Dial(ctx, &pctx)
		if err != nil {
			return nil, sserr.Wrap(sserr.KindCannotResolveEndpoint, err)
		}
		return wrapNetConn(d.logger, nc)
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", d.endpoint.String())
	if err != nil {
		return nil, sserr.Wrap(sserr.KindConnectionRefused, fmt.Errorf("physical: dial %s: %w", d.endpoint, err))
	}
	return wrapNetConn(d.logger, nc)
}
