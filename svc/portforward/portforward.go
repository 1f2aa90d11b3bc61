// Package portforward implements the TCP and UDP port forwarding
// microservices. A Forwarder owns a local listening socket and pushes
// each accepted connection (or datagram peer) out through the multiplex
// layer as a fiber; a Listener accepts an inbound fiber and dials a
// locally reachable service.
package portforward

import (
	"context"
	"fmt"
	"net"

	"github.com/securesocketfunneling/ssf-sub003/internal/access"
	"github.com/securesocketfunneling/ssf-sub003/internal/conn"
	"github.com/securesocketfunneling/ssf-sub003/internal/lifecycle"
	"github.com/securesocketfunneling/ssf-sub003/internal/sserr"
	"github.com/securesocketfunneling/ssf-sub003/internal/sslog"
	"github.com/securesocketfunneling/ssf-sub003/layer/fiber"
)

// fiberConn wraps a *fiber.Fiber (which implements only the bare
// layer.Socket capability set) as a conn.Conn, the same way
// internal/conn.SocketConn wraps a net.Conn, so it can be passed to
// conn.Bridge alongside a SocketConn for the target/caller side.
type fiberConn struct {
	conn.Basic
	f *fiber.Fiber
}

func newFiberConn(logger sslog.Logger, f *fiber.Fiber) *fiberConn {
	c := &fiberConn{f: f}
	c.Init(logger, c, "Fiber(%s)", f.FullID())
	return c
}

func (c *fiberConn) Read(p []byte) (int, error) {
	n, err := c.f.Read(p)
	c.AddBytesRead(n)
	return n, err
}

func (c *fiberConn) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.AddBytesWritten(n)
	return n, err
}

func (c *fiberConn) CloseWrite() error { return c.f.CloseWrite() }

func (c *fiberConn) HandleOnceShutdown(completionErr error) error {
	err := c.f.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (c *fiberConn) WaitForClose() error { return c.WaitShutdown() }

// Target is the local network/address a Listener dials once its fiber
// peer asks for a connection.
type Target struct {
	Network string // "tcp" or "udp"
	Host    string
	Port    uint16
}

func (t Target) addr() string { return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port)) }

// Listener is the ssf.services.stream_forwarder side: it accepts fibers
// arriving on a local HalfID (opened by the peer's Forwarder) and dials
// Target for each one, bridging the two byte streams.
type Listener struct {
	lifecycle.Helper
	logger   sslog.Logger
	mux      *fiber.Multiplexer
	half     fiber.HalfID
	target   Target
	policy   access.Policy
	acceptor *fiber.Acceptor
}

// NewListener builds a Listener that will accept fibers addressed to half
// on mux and dial target for each one, once policy clears the target
// address (access.AllowAll if the caller has no allowlist configured).
func NewListener(logger sslog.Logger, mux *fiber.Multiplexer, half fiber.HalfID, target Target, policy access.Policy) *Listener {
	l := &Listener{logger: logger.Fork("portforward.Listener(%s->%s)", half, target.addr()), mux: mux, half: half, target: target, policy: policy}
	l.Init(l.logger, l)
	return l
}

func (l *Listener) HandleOnceShutdown(completionErr error) error {
	if l.acceptor != nil {
		if err := l.acceptor.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// Start begins accepting fibers until ctx is done or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	acceptor, err := l.mux.Listen(l.half)
	if err != nil {
		return err
	}
	l.acceptor = acceptor
	l.ShutdownOnContext(ctx)
	go l.acceptLoop(ctx, acceptor)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, acceptor *fiber.Acceptor) {
	for {
		sock, err := acceptor.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				l.logger.ILogf("portforward: accept error, stopping: %s", err)
			}
			return
		}
		f, ok := sock.(*fiber.Fiber)
		if !ok {
			l.logger.WLogf("portforward: accepted socket is not a fiber, ignoring")
			sock.Close()
			continue
		}
		go l.serve(f)
	}
}

func (l *Listener) serve(f *fiber.Fiber) {
	fiberSock := newFiberConn(l.logger, f)
	if !l.policy.HasAccess(l.target.addr()) {
		l.logger.WLogf("portforward: target %s denied by access policy", l.target.addr())
		fiberSock.Close()
		return
	}
	nc, err := net.Dial(l.target.Network, l.target.addr())
	if err != nil {
		l.logger.WLogf("portforward: dial target %s failed: %s", l.target.addr(), err)
		fiberSock.Close()
		return
	}
	targetConn, err := conn.NewSocketConn(l.logger, nc)
	if err != nil {
		nc.Close()
		fiberSock.Close()
		return
	}
	if l.target.Network == "udp" {
		relayDatagrams(fiberSock, targetConn)
		return
	}
	bytesIn, bytesOut, err := conn.Bridge(l.logger, fiberSock, targetConn)
	if err != nil {
		l.logger.DLogf("portforward: bridge to %s ended: %s (in=%d out=%d)", l.target.addr(), err, bytesIn, bytesOut)
	}
}

// Forwarder is the ssf.services.stream_listener side: it opens a local
// TCP listening socket and, for each accepted connection, opens a fiber
// to remoteHalf and bridges the two. gatewayPorts controls bind scope:
// false binds loopback-only, true binds every interface.
type Forwarder struct {
	lifecycle.Helper
	logger       sslog.Logger
	mux          *fiber.Multiplexer
	bindPort     uint16
	gatewayPorts bool
	remoteHalf   fiber.HalfID
	protocol     uint8
	listener     net.Listener
}

// NewForwarder builds a Forwarder that listens on bindPort (loopback-only
// unless gatewayPorts) and, per accepted connection, opens a fiber to
// remoteHalf addressed with protocol (fiber.ProtocolStreamForward for TCP).
func NewForwarder(logger sslog.Logger, mux *fiber.Multiplexer, protocol uint8, bindPort uint16, gatewayPorts bool, remoteHalf fiber.HalfID) *Forwarder {
	f := &Forwarder{
		logger:       logger.Fork("portforward.Forwarder(:%d->%s)", bindPort, remoteHalf),
		mux:          mux,
		bindPort:     bindPort,
		gatewayPorts: gatewayPorts,
		remoteHalf:   remoteHalf,
		protocol:     protocol,
	}
	f.Init(f.logger, f)
	return f
}

func (f *Forwarder) HandleOnceShutdown(completionErr error) error {
	if f.listener != nil {
		if err := f.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

func (f *Forwarder) bindHost() string {
	if f.gatewayPorts {
		return ""
	}
	return "127.0.0.1"
}

// Start opens the local listening socket and begins forwarding.
func (f *Forwarder) Start(ctx context.Context) error {
	return f.DoOnceActivate(func() error {
		ln, err := net.Listen("tcp", net.JoinHostPort(f.bindHost(), fmt.Sprintf("%d", f.bindPort)))
		if err != nil {
			return sserr.Wrap(sserr.KindAddressInUse, fmt.Errorf("portforward: listen :%d: %w", f.bindPort, err))
		}
		f.listener = ln
		f.ShutdownOnContext(ctx)
		go f.acceptLoop(ctx)
		return nil
	}, true)
}

// LocalAddr reports the bound listen address, resolving an ephemeral port
// request. Only valid after Start.
func (f *Forwarder) LocalAddr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

func (f *Forwarder) acceptLoop(ctx context.Context) {
	for {
		callerConn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				f.logger.ILogf("portforward: accept error, stopping: %s", err)
			}
			return
		}
		go f.serve(ctx, callerConn)
	}
}

func (f *Forwarder) serve(ctx context.Context, callerConn net.Conn) {
	callerSock, err := conn.NewSocketConn(f.logger, callerConn)
	if err != nil {
		callerConn.Close()
		return
	}
	remoteFiber, err := f.mux.Connect(ctx, f.protocol, f.remoteHalf)
	if err != nil {
		f.logger.WLogf("portforward: fiber connect to %s failed: %s", f.remoteHalf, err)
		callerSock.Close()
		return
	}
	fiberSock := newFiberConn(f.logger, remoteFiber)
	bytesIn, bytesOut, err := conn.Bridge(f.logger, callerSock, fiberSock)
	if err != nil {
		f.logger.DLogf("portforward: bridge from caller ended: %s (in=%d out=%d)", err, bytesIn, bytesOut)
	}
}
